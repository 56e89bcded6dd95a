package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/carbonblack/ntloadorder/loadorder"
	"github.com/carbonblack/ntloadorder/registry"
)

var steps = []string{"tag-group", "hardcoded-groups", "hardcoded-lists", "kernel-binaries", "imports"}

var completer = []readline.PrefixCompleterInterface{
	readline.PcItem("quit"),
	readline.PcItem("run"),
	readline.PcItem("toggle",
		readline.PcItem("tag-group"),
		readline.PcItem("hardcoded-groups"),
		readline.PcItem("hardcoded-lists"),
		readline.PcItem("kernel-binaries"),
		readline.PcItem("imports")),
	readline.PcItem("root",
		readline.PcItem("live")),
	readline.PcItem("kd",
		readline.PcItem("none")),
	readline.PcItem("vendor",
		readline.PcItem("none")),
	readline.PcItem("show",
		readline.PcItem("options")),
	readline.PcItem("set"),
	readline.PcItem("add"),
	readline.PcItem("delete"),
}

func filterInput(r rune) (rune, bool) {
	switch r {
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func newInteractiveCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "interactive",
		Aliases: []string{"i"},
		Short:   "Explore the load order, toggling steps and options",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(cmd)
			if err != nil {
				return err
			}

			l, err := readline.NewEx(&readline.Config{
				Prompt:              "ntloadorder > ",
				HistoryFile:         filepath.Join(os.TempDir(), "ntloadorder.tmp"),
				AutoComplete:        readline.NewPrefixCompleter(completer...),
				InterruptPrompt:     "^C",
				EOFPrompt:           "exit",
				HistorySearchFold:   true,
				FuncFilterInputRune: filterInput,
				Stdout:              cmd.OutOrStdout(),
				Stderr:              cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			defer l.Close()

			s := &session{opts: opts, out: l.Stdout()}
			if err := s.run(); err != nil {
				fmt.Fprintln(s.out, err)
			}

			for {
				line, err := l.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					if len(line) == 0 {
						return nil
					}
					continue
				} else if errors.Is(err, io.EOF) {
					return nil
				} else if err != nil {
					return err
				}

				quit, err := s.exec(line)
				if err != nil {
					fmt.Fprintln(s.out, err)
				}
				if quit {
					return nil
				}
			}
		},
	}
}

// session is the state of an interactive run. Every command changing the
// options recomputes and prints the load order.
type session struct {
	opts        *loadorder.Options
	out         io.Writer
	lastCommand string
}

// exec runs one command line. An empty line repeats the last command.
func (s *session) exec(line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		line = s.lastCommand
	}
	words := strings.Fields(line)
	if len(words) == 0 {
		return false, nil
	}
	s.lastCommand = line

	switch words[0] {
	case "q", "quit", "exit":
		fmt.Fprintln(s.out, "quitting...")
		return true, nil
	case "r", "run":
		return false, s.run()
	case "show", "s":
		if len(words) != 2 || words[1] != "options" {
			return false, fmt.Errorf("usage: show options")
		}
		s.showOptions()
		return false, nil
	case "toggle", "t":
		if len(words) != 2 {
			return false, fmt.Errorf("usage: toggle <%s>", strings.Join(steps, "|"))
		}
		step, err := s.step(words[1])
		if err != nil {
			return false, err
		}
		*step = !*step
	case "root":
		if len(words) != 2 {
			return false, fmt.Errorf("usage: root <path|live>")
		}
		s.opts.SystemRoot = noneValue(words[1], "live")
		s.opts.Fs = nil
		s.opts.Hive = nil
	case "kd":
		if len(words) != 2 {
			return false, fmt.Errorf("usage: kd <name|none>")
		}
		s.opts.KdDriver = noneValue(words[1], "none")
	case "vendor":
		if len(words) != 2 {
			return false, fmt.Errorf("usage: vendor <name|none>")
		}
		s.opts.CpuVendor = noneValue(words[1], "none")
	case "set", "add", "delete":
		if err := s.editFixture(words[0], strings.TrimSpace(line[len(words[0]):])); err != nil {
			return false, err
		}
	default:
		return false, fmt.Errorf("unknown command %q", words[0])
	}

	return false, s.run()
}

// editFixture changes the registry fixture loaded with --registry-fixture.
// set replaces an existing value, add creates a value and its keys, delete
// removes a key or value. Values use the fixture encodings, e.g. dword:0.
func (s *session) editFixture(command, args string) error {
	mock, ok := s.opts.Hive.(*registry.Registry)
	if !ok {
		return fmt.Errorf("%s needs a registry fixture, run with --registry-fixture", command)
	}

	if command == "delete" {
		if args == "" {
			return fmt.Errorf("usage: delete <key or value path>")
		}
		return mock.Delete(args)
	}

	path, value, found := strings.Cut(args, "=")
	path = strings.TrimSpace(path)
	if !found || path == "" {
		return fmt.Errorf("usage: %s <value path> = <value>", command)
	}
	value = strings.TrimSpace(value)
	if command == "set" {
		return mock.Update(path, value)
	}
	return mock.Insert(path, value)
}

func noneValue(word, none string) string {
	if strings.EqualFold(word, none) {
		return ""
	}
	return word
}

func (s *session) step(name string) (*bool, error) {
	switch name {
	case "tag-group":
		return &s.opts.SortByTagAndGroup, nil
	case "hardcoded-groups":
		return &s.opts.SortByHardcodedGroups, nil
	case "hardcoded-lists":
		return &s.opts.SortByHardcodedServiceLists, nil
	case "kernel-binaries":
		return &s.opts.AddKernelBinaries, nil
	case "imports":
		return &s.opts.AddImports, nil
	}
	return nil, fmt.Errorf("unknown step %q, expected one of %s", name, strings.Join(steps, ", "))
}

func (s *session) run() error {
	entries, err := loadorder.Get(s.opts)
	if err != nil {
		return err
	}
	return writeEntries(s.out, entries, false)
}

func (s *session) showOptions() {
	root := s.opts.SystemRoot
	if root == "" {
		root = "live"
	}
	if s.opts.Hive != nil {
		root += " (registry fixture)"
	}

	fmt.Fprintln(s.out, "root:      ", root)
	fmt.Fprintln(s.out, "kd:        ", orNone(s.opts.KdDriver))
	fmt.Fprintln(s.out, "vendor:    ", orNone(s.opts.CpuVendor))
	fmt.Fprintln(s.out, "control set", s.opts.ControlSet)
	fmt.Fprintln(s.out, "boot fs:   ", s.opts.BootFileSystem)
	for _, name := range steps {
		step, _ := s.step(name)
		fmt.Fprintf(s.out, "  %-18s %t\n", name, *step)
	}
}

func orNone(s string) string {
	if s == "" {
		return none
	}
	return s
}
