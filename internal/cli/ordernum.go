package cli

import (
	"context"
	"fmt"

	"fulfillment/internal/ordernum"

	"github.com/spf13/cobra"
)

func newOrderNumCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ordernum",
		Short: "Inspect and mint order numbers locally",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <number>",
		Short: "Check an order number's format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			valid := ordernum.IsValidFormat(args[0])
			if g.json {
				return printJSON(g.out, map[string]any{"number": args[0], "valid": valid})
			}
			if !valid {
				return fmt.Errorf("%s is not a valid order number", args[0])
			}
			printSuccess(g.out, "%s is valid", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "date <number>",
		Short: "Print the issue date embedded in an order number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := ordernum.ExtractDate(args[0])
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(g.out, map[string]any{"number": args[0], "date": date.Format("2006-01-02")})
			}
			fmt.Fprintln(g.out, date.Format("2006-01-02"))
			return nil
		},
	})

	var (
		prefix string
		count  int
	)
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Mint order numbers for the tenant without a uniqueness check",
		RunE: func(cmd *cobra.Command, args []string) error {
			gen, err := ordernum.NewGenerator(prefix, nil, func(string, ...any) {})
			if err != nil {
				return err
			}
			numbers := make([]string, 0, count)
			for i := 0; i < count; i++ {
				n, err := gen.Generate(context.Background(), g.tenant)
				if err != nil {
					return err
				}
				numbers = append(numbers, n)
			}
			if g.json {
				return printJSON(g.out, map[string]any{"numbers": numbers})
			}
			for _, n := range numbers {
				fmt.Fprintln(g.out, n)
			}
			return nil
		},
	}
	generate.Flags().StringVar(&prefix, "prefix", ordernum.DefaultPrefix, "order number prefix")
	generate.Flags().IntVarP(&count, "count", "n", 1, "how many numbers to mint")
	cmd.AddCommand(generate)

	return cmd
}
