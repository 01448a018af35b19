package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nicktill/fpcollect/pkg/aggregate"
	"github.com/nicktill/fpcollect/pkg/client"
	"github.com/nicktill/fpcollect/pkg/document"
	"github.com/nicktill/fpcollect/pkg/export"
)

// queryFlags are shared by compile and synth
type queryFlags struct {
	url    string
	filter string
}

func (q *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&q.url, "url", "http://localhost:8080", "collector base URL")
	cmd.Flags().StringVarP(&q.filter, "filter", "f", "", `JSON filter, e.g. '{"category":"windows"}'`)
}

func (q *queryFlags) parseFilter() (document.Node, error) {
	if q.filter == "" {
		return document.NullNode(), nil
	}
	n, err := document.Parse([]byte(q.filter))
	if err != nil {
		return document.Node{}, fmt.Errorf("filter: %w", err)
	}
	if _, err := document.NewFilter(n); err != nil {
		return document.Node{}, err
	}
	return n, nil
}

func (q *queryFlags) client(c *cli) (*client.Client, error) {
	return client.New(client.Config{
		BaseURL:       q.url,
		SessionCookie: c.cfg.Server.SessionCookie,
	})
}

func newCompileCmd(c *cli) *cobra.Command {
	var (
		q      queryFlags
		format string
	)
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Print the value frequency table for matching fingerprints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := q.parseFilter()
			if err != nil {
				return err
			}
			cl, err := q.client(c)
			if err != nil {
				return err
			}
			table, err := cl.Compile(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return writeTable(cmd.OutOrStdout(), table, format)
		},
	}
	q.register(cmd)
	cmd.Flags().StringVar(&format, "format", "json", "json or csv")
	return cmd
}

func writeTable(w io.Writer, table aggregate.Table, format string) error {
	switch format {
	case "json":
		data, err := document.JSON().MarshalIndent(table, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "csv":
		_, err := export.WriteCSV(w, table)
		return err
	default:
		return fmt.Errorf("invalid format %q, must be 'json' or 'csv'", format)
	}
}

func newSynthCmd(c *cli) *cobra.Command {
	var (
		q    queryFlags
		from string
	)
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Rebuild the most common fingerprint from a compile table",
		Long: "Synth picks the most frequent value for every path. The table comes from a\n" +
			"running collector, or with --from from a JSON export file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := loadTable(cmd, c, &q, from)
			if err != nil {
				return err
			}
			s, err := client.Synthesize(table)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), s.Document.String())
			for _, key := range s.Skipped {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s\n", key)
			}
			return nil
		},
	}
	q.register(cmd)
	cmd.Flags().StringVar(&from, "from", "", "read the table from an export file instead of the server")
	return cmd
}

func loadTable(cmd *cobra.Command, c *cli, q *queryFlags, from string) (aggregate.Table, error) {
	if from == "" {
		filter, err := q.parseFilter()
		if err != nil {
			return nil, err
		}
		cl, err := q.client(c)
		if err != nil {
			return nil, err
		}
		return cl.Compile(cmd.Context(), filter)
	}

	f, err := os.Open(from)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	env, err := export.ReadJSON(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", from, err)
	}
	return env.Table, nil
}
