package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fentz26/conduit/internal/pipeline"
)

var validateCmd = &cobra.Command{
	Use:   "validate [pipeline-file...]",
	Short: "Check pipeline definitions",
	Long: `Parses and validates pipeline definitions: template variables, job
dependencies and step references. Without arguments every definition in the
pipelines directory is checked.`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().String("pipelines", "", "Directory of pipeline definitions")
}

func runValidate(cmd *cobra.Command, args []string) error {
	files := args
	if len(files) == 0 {
		var err error
		if files, err = pipeline.Files(cfg.Pipelines); err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("no pipeline definitions found in %s", cfg.Pipelines)
		}
	}

	invalid := 0
	seen := make(map[string]string)
	for _, path := range files {
		def, err := pipeline.ReadFile(path)
		if err == nil {
			if prev, dup := seen[def.Name]; dup {
				err = fmt.Errorf("pipeline name %q already defined in %s", def.Name, prev)
			} else {
				seen[def.Name] = path
			}
		}
		if err != nil {
			invalid++
			fmt.Printf("%s  %s\n", statusStyle("failed").Render("✗"), path)
			fmt.Println(reasonStyle.Render(err.Error()))
			continue
		}
		fmt.Printf("%s  %s %s\n", statusStyle("succeeded").Render("✓"), path,
			mutedStyle.Render(fmt.Sprintf("(%s, %d jobs)", def.Name, len(def.Jobs))))
	}

	if invalid > 0 {
		return &exitError{code: 1, msg: fmt.Sprintf("%d of %d definitions invalid", invalid, len(files))}
	}
	return nil
}
