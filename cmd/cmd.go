package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/chzyer/readline"
	"github.com/loxscript/loxc/vm"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	easy "github.com/t-tomalak/logrus-easy-formatter"
)

func App() (app *cobra.Command) {
	app = &cobra.Command{
		Use:   "loxc [script]",
		Short: "Compile and run a Lox script, or launch an interactive REPL",
		Args:  cobra.MaximumNArgs(1),
	}

	app.Flags().SortFlags = true
	defaultVerbosityStr := "INFO"
	verbosity := app.Flags().StringP("verbosity", "v", defaultVerbosityStr, "Logging verbosity")

	app.RunE = func(_ *cobra.Command, args []string) error {
		verbosityLvl, err := logrus.ParseLevel(*verbosity)
		if err != nil {
			verbosityLvl, _ = logrus.ParseLevel(defaultVerbosityStr)
		}
		logrus.SetLevel(verbosityLvl)
		logrus.SetFormatter(&easy.Formatter{LogFormat: "//DBG// %msg%\n"})

		if len(args) == 1 {
			return runFile(args[0])
		}
		return repl()
	}
	return
}

func runFile(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	vm_ := vm.NewVM()
	_, err = vm_.Interpret(string(src), false)
	return err
}

// repl reads one line at a time via readline and evaluates it
// interactively: a line that doesn't parse as a declaration sequence is
// retried as a bare expression, so "1 + 2" on its own prints 3.
func repl() error {
	rl, err := readline.New(">> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	vm_ := vm.NewVM()
	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, readline.ErrInterrupt):
			return nil
		case err != nil:
			return err
		}

		val, err := vm_.Interpret(line, true)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		fmt.Printf("%s\n", val)
	}
}
