package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var askBatchFile string

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a medical-data question",
	Long: `Answer a natural-language question against the configured OMOP
database. With --file, each non-empty line of the file is asked in order.`,
	Args: cobra.ArbitraryArgs,
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askBatchFile, "file", "", "file with one question per line")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	questions, err := collectQuestions(args)
	if err != nil {
		return err
	}
	if len(questions) == 0 {
		return fmt.Errorf("no question given; pass one as an argument or use --file")
	}

	ctx := cmd.Context()
	app, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	failed := 0
	for _, question := range questions {
		answer := app.orchestrator.Ask(ctx, question)

		if len(questions) > 1 {
			fmt.Printf("Q: %s\n", question)
		}
		if answer.Success {
			fmt.Println(answer.Answer)
			if answer.GeneratedSQL != "" {
				fmt.Printf("\n[SQL] %s\n", answer.GeneratedSQL)
			}
		} else {
			failed++
			fmt.Printf("Failed: %s\n", answer.Error)
		}
		if len(questions) > 1 {
			fmt.Println()
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d questions failed", failed, len(questions))
	}
	return nil
}

func collectQuestions(args []string) ([]string, error) {
	if askBatchFile == "" {
		if len(args) == 0 {
			return nil, nil
		}
		return []string{strings.Join(args, " ")}, nil
	}

	f, err := os.Open(askBatchFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open question file: %w", err)
	}
	defer f.Close()

	var questions []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		questions = append(questions, line)
	}
	return questions, scanner.Err()
}
