package app

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"coinwatch/internal/market"
)

// ListAssets prints the usable asset set from configuration.
// Disabled or invalid assets are dropped the same way the engine drops them.
func (a *App) ListAssets(out io.Writer) error {
	registry := market.NewRegistry(a.Config.MarketAssets(), a.Logger)
	assets := registry.Assets()
	if len(assets) == 0 {
		fmt.Fprintln(out, "no assets configured")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Asset\tSymbol\tName\tSources")
	for _, asset := range assets {
		sources := make([]string, 0, len(asset.Sources))
		for _, src := range asset.OrderedSources() {
			sources = append(sources, fmt.Sprintf("%s:%s", src.Kind, src.ExternalID))
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", asset.ID, asset.Symbol, asset.Name, strings.Join(sources, ", "))
	}
	return writer.Flush()
}
