// Command visit-report renders PNG charts from a floorsight database:
// per-ROI occupancy over a trailing window and a histogram of closed visit
// durations. Useful for offline tuning without the HTTP server running.
package main

import (
	"context"
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/kestrel-data/floorsight/internal/store"
)

var palette = []color.Color{
	color.RGBA{R: 0x4f, G: 0x9d, B: 0xe0, A: 0xff},
	color.RGBA{R: 0x53, G: 0xc0, B: 0x7a, A: 0xff},
	color.RGBA{R: 0xe0, G: 0xb2, B: 0x4f, A: 0xff},
	color.RGBA{R: 0xe0, G: 0x6c, B: 0x4f, A: 0xff},
	color.RGBA{R: 0x9a, G: 0x6c, B: 0xe0, A: 0xff},
	color.RGBA{R: 0x4f, G: 0xe0, B: 0xd2, A: 0xff},
}

func paletteColor(i int) color.Color { return palette[i%len(palette)] }

func main() {
	dbFile := flag.String("db", "floorsight.db", "SQLite database file")
	venue := flag.String("venue", "", "venue id (required)")
	roiID := flag.String("roi", "", "restrict to one ROI (default: all)")
	from := flag.Int64("from", 0, "window start, unix milliseconds (default: 24h before -to)")
	to := flag.Int64("to", 0, "window end, unix milliseconds (default: now)")
	outDir := flag.String("out", "reports", "output directory for PNG files")
	flag.Parse()

	if *venue == "" {
		log.Fatal("-venue is required")
	}
	toMillis := *to
	if toMillis == 0 {
		toMillis = time.Now().UnixMilli()
	}
	fromMillis := *from
	if fromMillis == 0 {
		fromMillis = toMillis - (24 * time.Hour).Milliseconds()
	}
	if fromMillis >= toMillis {
		log.Fatal("-from must be before -to")
	}

	st, err := store.Open(*dbFile)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("failed to create output dir: %v", err)
	}

	ctx := context.Background()
	if err := occupancyPlot(ctx, st, *venue, *roiID, fromMillis, toMillis, *outDir); err != nil {
		log.Fatalf("occupancy plot: %v", err)
	}
	if err := durationHistogram(ctx, st, *venue, *roiID, fromMillis, toMillis, *outDir); err != nil {
		log.Fatalf("duration histogram: %v", err)
	}
}

// occupancyPlot renders one line per ROI from the persisted snapshot series.
func occupancyPlot(ctx context.Context, st *store.Store, venueID, roiID string, fromMillis, toMillis int64, outDir string) error {
	snaps, err := st.ListSnapshots(ctx, store.SnapshotFilter{
		VenueID:    venueID,
		RoiID:      roiID,
		FromMillis: fromMillis,
		ToMillis:   toMillis,
		Limit:      200000,
	})
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		log.Printf("no occupancy snapshots in window, skipping occupancy plot")
		return nil
	}

	byRoi := make(map[string]plotter.XYs)
	for _, s := range snaps {
		minutes := float64(s.TSUnixMillis-fromMillis) / 60000
		byRoi[s.RoiID] = append(byRoi[s.RoiID], plotter.XY{X: minutes, Y: float64(s.Occupancy)})
	}

	roiIDs := make([]string, 0, len(byRoi))
	for id := range byRoi {
		roiIDs = append(roiIDs, id)
	}
	sort.Strings(roiIDs)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Occupancy - venue %s (%s to %s)", venueID,
		time.UnixMilli(fromMillis).Format("2006-01-02 15:04"),
		time.UnixMilli(toMillis).Format("2006-01-02 15:04"))
	p.X.Label.Text = "Minutes since window start"
	p.Y.Label.Text = "Occupancy"

	for i, id := range roiIDs {
		line, err := plotter.NewLine(byRoi[id])
		if err != nil {
			return err
		}
		line.Color = paletteColor(i)
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(id, line)
	}
	p.Legend.Top = true

	outFile := filepath.Join(outDir, "occupancy.png")
	if err := p.Save(14*vg.Inch, 6*vg.Inch, outFile); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	log.Printf("✓ Created: %s (%d snapshots, %d rois)", outFile, len(snaps), len(roiIDs))
	return nil
}

// durationHistogram renders the distribution of closed visit durations and
// prints the summary statistics alongside.
func durationHistogram(ctx context.Context, st *store.Store, venueID, roiID string, fromMillis, toMillis int64, outDir string) error {
	rows, err := st.ListVisits(ctx, store.VisitFilter{
		VenueID:    venueID,
		RoiID:      roiID,
		FromMillis: fromMillis,
		ToMillis:   toMillis,
		Limit:      100000,
	})
	if err != nil {
		return err
	}

	var durations plotter.Values
	dwells := 0
	for _, v := range rows {
		if v.EndUnixMillis == 0 {
			continue
		}
		durations = append(durations, float64(v.DurationMs)/1000)
		if v.IsDwell {
			dwells++
		}
	}
	if len(durations) == 0 {
		log.Printf("no closed visits in window, skipping duration histogram")
		return nil
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Visit durations - venue %s (%d visits, %d dwells)", venueID, len(durations), dwells)
	p.X.Label.Text = "Duration (s)"
	p.Y.Label.Text = "Visits"

	hist, err := plotter.NewHist(durations, 24)
	if err != nil {
		return err
	}
	hist.FillColor = paletteColor(1)
	p.Add(hist)

	outFile := filepath.Join(outDir, "visit_durations.png")
	if err := p.Save(10*vg.Inch, 6*vg.Inch, outFile); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}

	sorted := append(plotter.Values(nil), durations...)
	sort.Float64s(sorted)
	log.Printf("✓ Created: %s", outFile)
	log.Printf("  mean %.1fs, p50 %.1fs, p95 %.1fs",
		stat.Mean(sorted, nil),
		stat.Quantile(0.50, stat.Empirical, sorted, nil),
		stat.Quantile(0.95, stat.Empirical, sorted, nil))
	return nil
}
