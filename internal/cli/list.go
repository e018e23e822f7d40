package cli

import (
	"fmt"
	"sort"

	"github.com/devicerun/devicerun/internal/output"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

// ListCmd lists every device the factory currently knows about, grounded on
// the teacher's internal/cli/list.go (tablewriter table in text mode, one
// NDJSON object per row in ndjson mode).
type ListCmd struct{}

func (c *ListCmd) Run(g *Globals) error {
	if g.Factory == nil {
		return outputErrorCommon(g, "NO_FACTORY", "no devices configured")
	}
	names := g.Factory.Names()
	sort.Strings(names)

	if g.Format == "ndjson" {
		w := output.NewNDJSONWriter(g.Stdout)
		for _, name := range names {
			dev, ok := g.Factory.Lookup(name)
			if !ok {
				continue
			}
			if err := w.WriteDeviceRow(output.DeviceRow{
				Name: name, State: dev.CurrentState(), Connected: true,
			}); err != nil {
				return err
			}
		}
		return nil
	}

	if len(names) == 0 {
		fmt.Fprintln(g.Stdout, output.Styles.Warning.Render("No devices configured"))
		return nil
	}

	table := tablewriter.NewTable(g.Stdout,
		tablewriter.WithHeader([]string{"NAME", "STATE"}),
		tablewriter.WithBorders(tw.Border{Left: tw.Off, Right: tw.Off, Top: tw.Off, Bottom: tw.Off}),
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
	)
	for _, name := range names {
		dev, ok := g.Factory.Lookup(name)
		if !ok {
			continue
		}
		table.Append([]string{name, dev.CurrentState()})
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintf(g.Stdout, "\n%s %s\n",
		output.Styles.Label.Render("Total:"),
		output.Styles.Value.Render(fmt.Sprintf("%d device(s)", len(names))))
	return nil
}
