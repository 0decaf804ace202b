package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/fanout/internal/config"
	"github.com/ShayCichocki/fanout/internal/decompose"
	"github.com/ShayCichocki/fanout/internal/protect"
	"github.com/ShayCichocki/fanout/pkg/models"
)

var (
	planFile            string
	planAllowSequential bool
	planFormat          string
)

var planCmd = &cobra.Command{
	Use:   "plan [task description | file]",
	Short: "Decompose a task and report without running it",
	Long: `Parse a task description into sub-tasks and run the independence checks
that 'fanout run' would run, without spawning any worker.

The description is a checklist, a numbered list or a set of markdown
sections. It is read from --file, from the argument (a path or literal
text), or from stdin when the argument is "-".

Examples:
  fanout plan tasks.md
  fanout plan -f tasks.md --format yaml
  cat tasks.md | fanout plan -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planFile, "file", "f", "", "Read the task description from a file")
	planCmd.Flags().BoolVar(&planAllowSequential, "allow-sequential", false, "Accept a failed validation as a sequential run")
	planCmd.Flags().StringVar(&planFormat, "format", "text", "Output format: text, yaml or json")
}

func runPlan(cmd *cobra.Command, args []string) error {
	p, err := loadProject()
	if err != nil {
		return err
	}
	desc, err := readDescription(args, planFile, os.Stdin)
	if err != nil {
		return err
	}

	master, report, err := decomposeTask(p, desc, planAllowSequential)

	switch planFormat {
	case "yaml", "json":
		if report == nil {
			return err
		}
		out := struct {
			MasterTask *models.MasterTask `json:"master_task,omitempty" yaml:"master_task,omitempty"`
			Report     *decompose.Report  `json:"report" yaml:"report"`
		}{master, report}
		if planFormat == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(out); encErr != nil {
				return encErr
			}
		} else {
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if encErr := enc.Encode(out); encErr != nil {
				return encErr
			}
			enc.Close()
		}
		return err
	case "text":
	default:
		return fmt.Errorf("unknown format %q (want text, yaml or json)", planFormat)
	}

	printReport(report)
	if err != nil {
		return err
	}
	printMaster(master)
	if master.Sequential {
		printStatus("!", "Validation failed; sub-tasks would run one at a time", color.FgYellow)
	} else {
		printStatus("✓", "Sub-tasks are independent", color.FgGreen)
	}
	return nil
}

// readDescription returns the task text from the file flag, from args[0] as
// a path or literal text, or from stdin when args[0] is "-".
func readDescription(args []string, file string, stdin io.Reader) (string, error) {
	var text string
	switch {
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read task file: %w", err)
		}
		text = string(data)
	case len(args) == 0:
		return "", fmt.Errorf("no task description given (pass text, a file, or - for stdin)")
	case args[0] == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		text = string(data)
	default:
		if info, err := os.Stat(args[0]); err == nil && !info.IsDir() {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return "", fmt.Errorf("read task file: %w", err)
			}
			text = string(data)
		} else {
			text = args[0]
		}
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("task description is empty")
	}
	return text, nil
}

// decomposeTask runs the decomposer with the project's settings. A
// validation failure keeps its report so callers can print it.
func decomposeTask(p *project, desc string, allowSequential bool) (*models.MasterTask, *decompose.Report, error) {
	detector := protect.New()
	if path := config.GetProjectConfigPath(); path != "" {
		if err := detector.LoadConfig(path); err != nil {
			return nil, nil, fmt.Errorf("load protected areas: %w", err)
		}
	}
	opts := decompose.Options{
		BranchPrefix:    branchPrefix,
		AllowSequential: allowSequential,
		RepoPath:        p.root,
		Protected:       detector,
	}
	master, report, err := decompose.Decompose(desc, opts)
	if err != nil {
		var ve *decompose.ValidationError
		if errors.As(err, &ve) {
			return nil, ve.Report, fmt.Errorf("%w\n\nFix the task description or pass --allow-sequential to run the sub-tasks one at a time", err)
		}
		return nil, nil, err
	}
	return master, report, nil
}
