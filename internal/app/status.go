package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"coinwatch/internal/delivery"
	"coinwatch/internal/resolver"
)

// StatusOptions controls the status command.
type StatusOptions struct {
	// Addr is the ops server of a running engine, e.g. "localhost:9102".
	Addr    string
	Timeout time.Duration
	Out     io.Writer
}

// Status queries a running engine for its cache view and prints one row per asset.
func (a *App) Status(ctx context.Context, opts StatusOptions) error {
	addr := opts.Addr
	if addr == "" {
		addr = a.Config.Metrics.Addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	statuses, err := fetchStatus(ctx, &http.Client{Timeout: timeout}, strings.TrimRight(addr, "/")+"/cache")
	if err != nil {
		return err
	}
	return writeStatusTable(opts.Out, statuses, time.Now())
}

func fetchStatus(ctx context.Context, client *http.Client, url string) ([]resolver.AssetStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query engine status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("engine status returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var statuses []resolver.AssetStatus
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return nil, fmt.Errorf("decode engine status: %w", err)
	}
	return statuses, nil
}

func writeStatusTable(out io.Writer, statuses []resolver.AssetStatus, now time.Time) error {
	if len(statuses) == 0 {
		fmt.Fprintln(out, "no assets tracked")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Asset\tSymbol\tPrice\tSource\tUpdated\tState\tSources")

	for _, st := range statuses {
		price, source, updated := "-", "-", "-"
		state := "unavailable"
		if st.Resolved.Available {
			if st.Resolved.Price != nil {
				price = delivery.FormatPrice(*st.Resolved.Price)
			}
			source = string(st.Resolved.Source)
			if st.Resolved.ObservedAt != nil {
				updated = humanize.RelTime(*st.Resolved.ObservedAt, now, "ago", "from now")
			}
			state = "fresh"
			if st.Resolved.Stale {
				state = "stale"
			}
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			st.AssetID, st.Symbol, price, source, updated, state, summariseSources(st.Sources))
	}
	return writer.Flush()
}

// summariseSources renders "binance✓ okx✗ coingecko-" style markers: fresh, stale, absent.
func summariseSources(sources []resolver.SourceStatus) string {
	parts := make([]string, 0, len(sources))
	for _, src := range sources {
		mark := "-"
		switch {
		case src.Present && src.Fresh:
			mark = "✓"
		case src.Present:
			mark = "✗"
		}
		parts = append(parts, string(src.Kind)+mark)
	}
	return strings.Join(parts, " ")
}
