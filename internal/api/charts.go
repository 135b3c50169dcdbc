package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// housekeepingChart plots the recorded housekeeping counters over time.
func (s *Server) housekeepingChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, err := queryLimit(r, 360, 10000)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hist, err := s.store.HousekeepingHistory(r.Context(), limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read history: %v", err), http.StatusInternalServerError)
		return
	}

	x := make([]string, 0, len(hist))
	pass := make([]opts.LineData, 0, len(hist))
	cmds := make([]opts.LineData, 0, len(hist))
	errs := make([]opts.LineData, 0, len(hist))
	miscompares := make([]opts.LineData, 0, len(hist))
	for _, hk := range hist {
		x = append(x, hk.Time.UTC().Format(time.TimeOnly))
		pass = append(pass, opts.LineData{Value: hk.PassCounter})
		cmds = append(cmds, opts.LineData{Value: hk.CmdCounter})
		errs = append(errs, opts.LineData{Value: hk.CmdErrCounter})
		miscompares = append(miscompares, opts.LineData{Value: hk.Miscompares})
	}

	subtitle := "no samples"
	if len(hist) > 0 {
		subtitle = fmt.Sprintf("%d samples, last %s", len(hist), hist[len(hist)-1].Time.UTC().Format(time.RFC3339))
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Checksum Housekeeping", Width: "100%", Height: "720px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Checksum Housekeeping", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	line.SetXAxis(x).
		AddSeries("passes", pass).
		AddSeries("commands", cmds).
		AddSeries("command errors", errs).
		AddSeries("miscompares", miscompares)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
