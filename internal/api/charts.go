package api

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/sapflow.report/internal/db"
	"github.com/banshee-data/sapflow.report/internal/httputil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleUsageChart renders stored usage buckets as an HTML bar chart.
func (s *Server) handleUsageChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	period, err := db.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	device := r.URL.Query().Get("device")

	buckets, err := s.db.Usage(r.Context(), period, device)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve usage: %v", err))
		return
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]opts.BarData, 0, len(keys))
	for _, k := range keys {
		values = append(values, opts.BarData{Value: buckets[k]})
	}

	subtitle := "all devices"
	if device != "" {
		subtitle = "device=" + device
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Sap flow usage", Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: fmt.Sprintf("Sap flow (%s)", period), Subtitle: fmt.Sprintf("%s buckets=%d", subtitle, len(keys))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Bucket start (UTC)", NameLocation: "middle", NameGap: 30}),
		charts.WithYAxisOpts(opts.YAxis{Name: "kg", NameLocation: "middle", NameGap: 40}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 0, End: 100}),
	)
	bar.SetXAxis(keys).AddSeries("usage", values)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	httputil.WriteBytes(w, http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}
