package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"gasavg/internal/aggregator"
)

// exportPoint is one sample plus the trailing daily mean at its timestamp.
type exportPoint struct {
	sample    aggregator.Sample
	dailyMean *big.Int
}

// Export renders stored samples of one chain as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	if !rt.durable {
		return errors.New("database not configured; cannot export")
	}

	engine, err := rt.engine(opts.Chain)
	if err != nil {
		return err
	}
	windows := engine.Windows()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-windows.Monthly)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	// load one extra daily window so the first exported mean is complete
	daily := windows.Seconds(aggregator.Daily)
	lead := uint64(from.Unix())
	if lead > daily {
		lead -= daily
	} else {
		lead = 0
	}

	samples, err := rt.store.ListSamples(ctx, engine.Chain(), lead, uint64(to.Unix()))
	if err != nil {
		return err
	}

	points := trailingMeans(samples, daily, uint64(from.Unix()))
	if len(points) == 0 {
		a.Logger.Info().Str("chain", engine.Chain()).Msg("no samples found for export window")
		return nil
	}

	downsampled := downsample(points, opts.MaxPoints)
	a.Logger.Info().Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, engine.Chain(), downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSamplesPNG(opts.PNGPath, engine.Chain(), downsampled); err != nil {
			return err
		}
	}

	return nil
}

// trailingMeans pairs every sample observed at or after from with the
// truncated mean of the samples in (ts-window, ts]. samples must be in time order.
func trailingMeans(samples []aggregator.Sample, window, from uint64) []exportPoint {
	points := make([]exportPoint, 0, len(samples))
	sum := new(big.Int)
	head := 0
	for i, s := range samples {
		sum.Add(sum, s.FeeValue)
		for head < i && samples[head].ObservedAt+window <= s.ObservedAt {
			sum.Sub(sum, samples[head].FeeValue)
			head++
		}
		if s.ObservedAt < from {
			continue
		}
		mean := new(big.Int).Quo(sum, big.NewInt(int64(i-head+1)))
		points = append(points, exportPoint{sample: s, dailyMean: mean})
	}
	return points
}

func downsample(points []exportPoint, max int) []exportPoint {
	if max <= 1 || len(points) <= max {
		return points
	}

	result := make([]exportPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeSamplesCSV(path, chainID string, points []exportPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"observed_at", "chain", "block_number", "fee_wei", "fee_gwei", "trailing_daily_mean_wei"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range points {
		record := []string{
			formatUnix(p.sample.ObservedAt),
			chainID,
			strconv.FormatUint(p.sample.BlockNumber, 10),
			p.sample.FeeValue.String(),
			formatGwei(p.sample.FeeValue),
			p.dailyMean.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSamplesPNG(path, chainID string, points []exportPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	fee := make([]float64, len(points))
	mean := make([]float64, len(points))

	for i, p := range points {
		x[i] = time.Unix(int64(p.sample.ObservedAt), 0).UTC()
		fee[i] = toGwei(p.sample.FeeValue)
		mean[i] = toGwei(p.dailyMean)
	}

	gweiFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Title:  "Base fee " + chainID,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Fee (gwei)",
			ValueFormatter: gweiFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Sampled fee",
				XValues: x,
				YValues: fee,
			},
			chart.TimeSeries{
				Name:    "Trailing daily mean",
				XValues: x,
				YValues: mean,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func toGwei(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	return decimal.NewFromBigInt(v, 0).Div(gwei).InexactFloat64()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
