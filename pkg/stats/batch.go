package stats

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"

	"tractrec/pkg/nifti"
	"tractrec/pkg/pathutil"
)

// BatchOptions controls ExtractQuantitativeMetric
type BatchOptions struct {
	// LabelNames maps label IDs to names used in the column headers (optional)
	LabelNames map[int]string

	// LabelSubset lists the labels to extract; nil means the nonzero labels
	// of the first label file
	LabelSubset []float64

	// LabelTag prefixes every value column
	LabelTag string

	// Metric is mean, median, std, min, max or vox_count
	Metric string

	// ThreshFiles are optional threshold images matched to subjects by ID
	ThreshFiles []string

	ThreshVal  float64
	ThreshType ThreshType

	MinVal *float64
	MaxVal *float64

	// ErodeVox erodes each label by this many iterations (0 for none)
	ErodeVox int

	// Zfill is the zero-padded width of label IDs in column names
	Zfill int

	// DebugDir, when set, receives <ID>_corrected_labels.nii.gz per subject
	DebugDir string

	// NumCores is the number of subjects processed concurrently
	NumCores int
}

// Row holds the extracted values of one subject
type Row struct {
	ID         string
	MetricFile string
	LabelFile  string
	ThreshFile string
	ThreshVal  float64
	Values     []float64
}

// Table is the result of a batch extraction
type Table struct {
	Columns []string
	Rows    []Row

	// Failed lists the subject IDs that were skipped
	Failed []string
}

// Columns returns the header for the given labels
func Columns(labels []float64, opts BatchOptions) []string {
	cols := []string{"ID", "metric_file", "label_file", "thresh_file", "thresh_val"}
	for _, id := range labels {
		name := opts.LabelTag + fmt.Sprintf("%0*d", opts.Zfill, int(id))
		if label, ok := opts.LabelNames[int(id)]; ok {
			name += "_" + label
		}
		cols = append(cols, name+"_"+opts.Metric)
	}
	return cols
}

// subjectResult is passed from the workers back to the collector
type subjectResult struct {
	idx int
	row *Row
	id  string
	err error
}

// ExtractQuantitativeMetric extracts one metric per label for every metric
// file. The subject ID is the name of the directory holding the metric file;
// label and threshold files are the ones whose path contains that ID.
// Subjects that fail are logged, left out of the rows and listed in Failed.
func ExtractQuantitativeMetric(metricFiles, labelFiles []string, opts BatchOptions) (*Table, error) {
	if opts.Metric == "" {
		opts.Metric = "mean"
	}
	if err := ValidMetric(opts.Metric); err != nil {
		return nil, err
	}
	if opts.ThreshType == "" {
		opts.ThreshType = ThreshUpper
	}
	if _, err := ParseThreshType(string(opts.ThreshType)); err != nil {
		return nil, err
	}
	if len(labelFiles) == 0 {
		return nil, fmt.Errorf("no label files given")
	}

	if opts.LabelSubset == nil {
		first, _, err := nifti.Load(labelFiles[0])
		if err != nil {
			return nil, fmt.Errorf("failed to read labels from first label file: %w", err)
		}
		opts.LabelSubset = UniqueLabels(first, false)
		log.WithField("labels", len(opts.LabelSubset)).Info("Label numbers taken from the first label file (label 0 removed)")
	}
	if opts.DebugDir != "" {
		if err := pathutil.EnsureDir(opts.DebugDir); err != nil {
			return nil, err
		}
	}

	numCores := opts.NumCores
	if numCores < 1 {
		numCores = runtime.NumCPU()
	}

	jobs := make(chan int)
	results := make(chan subjectResult)

	var wg sync.WaitGroup
	for w := 0; w < numCores; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				row, err := safelyExtract(metricFiles[idx], labelFiles, opts)
				results <- subjectResult{idx: idx, row: row, id: pathutil.SubjectID(metricFiles[idx]), err: err}
			}
		}()
	}
	go func() {
		for idx := range metricFiles {
			jobs <- idx
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	rows := make([]*Row, len(metricFiles))
	failed := make([]bool, len(metricFiles))
	for res := range results {
		if res.err != nil {
			log.WithFields(log.Fields{"id": res.id, "file": metricFiles[res.idx]}).WithError(res.err).Warn("Skipping subject")
			failed[res.idx] = true
			continue
		}
		rows[res.idx] = res.row
		log.WithField("id", res.id).Debug("Subject extracted")
	}

	table := &Table{Columns: Columns(opts.LabelSubset, opts)}
	for i, row := range rows {
		if row != nil {
			table.Rows = append(table.Rows, *row)
		} else if failed[i] {
			table.Failed = append(table.Failed, pathutil.SubjectID(metricFiles[i]))
		}
	}
	return table, nil
}

// safelyExtract turns a panic while processing one subject into an error
func safelyExtract(metricFile string, labelFiles []string, opts BatchOptions) (row *Row, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("%v", panicErr)
		}
	}()
	return extractSubject(metricFile, labelFiles, opts)
}

func extractSubject(metricFile string, labelFiles []string, opts BatchOptions) (*Row, error) {
	id := pathutil.SubjectID(metricFile)
	labelFile, err := pathutil.MatchID(labelFiles, id)
	if err != nil {
		return nil, fmt.Errorf("label file: %w", err)
	}

	var threshFile string
	if opts.ThreshFiles != nil {
		threshFile, err = pathutil.MatchID(opts.ThreshFiles, id)
		if err != nil {
			return nil, fmt.Errorf("threshold file: %w", err)
		}
	}

	single := Options{
		ThreshVal:   opts.ThreshVal,
		ThreshType:  opts.ThreshType,
		LabelSubset: opts.LabelSubset,
		ErodeVox:    opts.ErodeVox,
		MinVal:      opts.MinVal,
		MaxVal:      opts.MaxVal,
	}
	if opts.DebugDir != "" {
		single.CombinedMaskOutput = filepath.Join(opts.DebugDir, id+"_corrected_labels.nii.gz")
	}

	res, err := ExtractFromFiles(metricFile, labelFile, threshFile, single)
	if err != nil {
		return nil, err
	}
	values, err := res.Select(opts.Metric)
	if err != nil {
		return nil, err
	}

	return &Row{
		ID:         id,
		MetricFile: metricFile,
		LabelFile:  labelFile,
		ThreshFile: threshFile,
		ThreshVal:  opts.ThreshVal,
		Values:     values,
	}, nil
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteCSV writes the header and one line per row
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	for _, r := range t.Rows {
		record := []string{r.ID, r.MetricFile, r.LabelFile, r.ThreshFile, formatValue(r.ThreshVal)}
		for _, v := range r.Values {
			record = append(record, formatValue(v))
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveCSV writes the table to path
func (t *Table) SaveCSV(path string) error {
	if err := pathutil.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	if err := t.WriteCSV(f); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// WriteNpy writes the value matrix (rows x labels) as a float64 .npy file
func (t *Table) WriteNpy(path string) error {
	cols := len(t.Columns) - 5
	data := make([]float64, 0, len(t.Rows)*cols)
	for _, r := range t.Rows {
		data = append(data, r.Values...)
	}

	w, err := gonpy.NewFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	w.Shape = []int{len(t.Rows), cols}
	w.Version = 2
	if err := w.WriteFloat64(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// LoadLabelNames reads a CSV with columns index,Label (header required) into an ID -> name map
func LoadLabelNames(path string) (map[int]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open label names: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}

	idCol, nameCol := 0, 1
	for i, h := range records[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "index", "id", "label_id":
			idCol = i
		case "label", "name":
			nameCol = i
		}
	}

	names := make(map[int]string)
	for n, rec := range records[1:] {
		if len(rec) <= idCol || len(rec) <= nameCol {
			return nil, fmt.Errorf("%s line %d: too few fields", path, n+2)
		}
		id, err := strconv.Atoi(strings.TrimSpace(rec[idCol]))
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, n+2, err)
		}
		names[id] = strings.TrimSpace(rec[nameCol])
	}
	return names, nil
}
