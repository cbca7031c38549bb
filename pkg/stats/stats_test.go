package stats

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kshedden/gonpy"
	"gonum.org/v1/gonum/mat"

	"tractrec/internal/models"
	"tractrec/pkg/nifti"
)

// labelledImage returns a 6x6x6 metric image and label volume:
// label 1 fills x<3, label 2 fills x>=3; the metric is x+1
func labelledImage() (*models.Volume, *models.Volume) {
	img := models.NewVolume(6, 6, 6, 1, nil)
	labels := img.Like()
	for z := 0; z < 6; z++ {
		for y := 0; y < 6; y++ {
			for x := 0; x < 6; x++ {
				img.Set(x, y, z, 0, float64(x+1))
				if x < 3 {
					labels.Set(x, y, z, 0, 1)
				} else {
					labels.Set(x, y, z, 0, 2)
				}
			}
		}
	}
	return img, labels
}

func TestExtractFromMaskedImage(t *testing.T) {
	img, labels := labelledImage()

	res, err := ExtractFromMaskedImage(img, labels, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Labels) != 2 {
		t.Fatalf("Expected 2 labels, got %d", len(res.Labels))
	}

	l1 := res.Labels[0]
	if l1.Label != 1 || l1.Count != 108 {
		t.Errorf("Label 1: unexpected label/count %v/%d", l1.Label, l1.Count)
	}
	if l1.Mean != 2 || l1.Median != 2 || l1.Min != 1 || l1.Max != 3 {
		t.Errorf("Label 1: unexpected stats %+v", l1)
	}
	// population std of {1,2,3} in equal proportions
	if math.Abs(l1.Std-math.Sqrt(2.0/3.0)) > 1e-12 {
		t.Errorf("Label 1: expected std %f, got %f", math.Sqrt(2.0/3.0), l1.Std)
	}

	means, err := res.Select("mean")
	if err != nil {
		t.Fatal(err)
	}
	if means[1] != 5 {
		t.Errorf("Label 2: expected mean 5, got %f", means[1])
	}
	if _, err := res.Select("mode"); !errors.Is(err, ErrMetric) {
		t.Errorf("Expected ErrMetric, got %v", err)
	}
}

func TestExtractExcludesZerosAndClips(t *testing.T) {
	img, labels := labelledImage()
	for i := range img.Data {
		_, y, _ := img.Coords(i)
		if y == 0 {
			img.Data[i] = 0
		}
	}

	maxVal, minVal := 4.5, 2.0
	res, err := ExtractFromMaskedImage(img, labels, Options{MaxVal: &maxVal, MinVal: &minVal})
	if err != nil {
		t.Fatal(err)
	}
	if res.Labels[0].Count != 90 {
		t.Errorf("Expected zero voxels to be dropped, got count %d", res.Labels[0].Count)
	}
	if res.Labels[0].Min != 2 {
		t.Errorf("Expected min clipped to 2, got %f", res.Labels[0].Min)
	}
	if res.Labels[1].Max != 4.5 {
		t.Errorf("Expected max clipped to 4.5, got %f", res.Labels[1].Max)
	}

	res, _ = ExtractFromMaskedImage(img, labels, Options{IncludeZeros: true})
	if res.Labels[0].Count != 108 {
		t.Errorf("Expected zeros included, got count %d", res.Labels[0].Count)
	}
}

func TestExtractThreshold(t *testing.T) {
	img, labels := labelledImage()
	thresh := img.Like()
	for i := range thresh.Data {
		x, _, _ := thresh.Coords(i)
		thresh.Data[i] = float64(x) / 10
	}

	// upper removes thresh > 0.35, i.e. x >= 4
	res, err := ExtractFromMaskedImage(img, labels, Options{ThreshMask: thresh, ThreshVal: 0.35, ThreshType: ThreshUpper})
	if err != nil {
		t.Fatal(err)
	}
	if res.Labels[1].Count != 36 {
		t.Errorf("Upper: expected 36 voxels in label 2, got %d", res.Labels[1].Count)
	}

	// lower removes thresh < 0.35, i.e. x <= 3
	res, _ = ExtractFromMaskedImage(img, labels, Options{ThreshMask: thresh, ThreshVal: 0.35, ThreshType: ThreshLower})
	if len(res.Labels) != 1 || res.Labels[0].Label != 2 || res.Labels[0].Count != 72 {
		t.Errorf("Lower: unexpected labels %+v", res.Labels)
	}

	if _, err := ExtractFromMaskedImage(img, labels, Options{ThreshMask: thresh, ThreshType: "middle"}); !errors.Is(err, ErrThreshType) {
		t.Errorf("Expected ErrThreshType, got %v", err)
	}
}

func TestExtractEmptyLabelIsNaN(t *testing.T) {
	img, labels := labelledImage()
	res, err := ExtractFromMaskedImage(img, labels, Options{LabelSubset: []float64{7}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Labels[0].Count != 0 || !math.IsNaN(res.Labels[0].Mean) {
		t.Errorf("Expected NaN stats for a missing label, got %+v", res.Labels[0])
	}
}

func TestExtractErodeKeepsSmallLabels(t *testing.T) {
	img := models.NewVolume(8, 8, 8, 1, nil)
	for i := range img.Data {
		img.Data[i] = 1
	}
	labels := img.Like()
	for z := 1; z < 6; z++ {
		for y := 1; y < 6; y++ {
			for x := 1; x < 6; x++ {
				labels.Set(x, y, z, 0, 1)
			}
		}
	}
	labels.Set(7, 7, 7, 0, 2) // a single voxel cannot be eroded

	res, err := ExtractFromMaskedImage(img, labels, Options{ErodeVox: 1})
	if err != nil {
		t.Fatal(err)
	}
	if res.Labels[0].Count != 27 {
		t.Errorf("Expected 27 voxels after erosion, got %d", res.Labels[0].Count)
	}
	if res.Labels[1].Count != 1 {
		t.Errorf("Expected single-voxel label to be kept, got %d", res.Labels[1].Count)
	}
}

func TestResampleNearest(t *testing.T) {
	// labels at 2mm, image at 1mm over the same field of view
	coarse := models.NewVolume(3, 3, 3, 1, mat.NewDense(4, 4, []float64{
		2, 0, 0, 0,
		0, 2, 0, 0,
		0, 0, 2, 0,
		0, 0, 0, 1,
	}))
	coarse.Set(1, 1, 1, 0, 9)
	fine := models.NewVolume(6, 6, 6, 1, nil)

	out, err := ResampleNearest(coarse, fine)
	if err != nil {
		t.Fatal(err)
	}
	if out.At(2, 2, 2, 0) != 9 {
		t.Errorf("Expected label 9 at fine voxel (2,2,2), got %f", out.At(2, 2, 2, 0))
	}
	if out.At(0, 0, 0, 0) != 0 {
		t.Errorf("Expected 0 at fine voxel (0,0,0), got %f", out.At(0, 0, 0, 0))
	}
}

func TestMedianEven(t *testing.T) {
	if got := median([]float64{4, 1, 3, 2}); got != 2.5 {
		t.Errorf("Expected 2.5, got %f", got)
	}
}

// writeSubject saves a metric and label image for one subject directory
func writeSubject(t *testing.T, root, id string, scale float64) (string, string) {
	t.Helper()
	img, labels := labelledImage()
	for i := range img.Data {
		img.Data[i] *= scale
	}
	dir := filepath.Join(root, id)
	metricFile := filepath.Join(dir, "FA.nii.gz")
	labelFile := filepath.Join(root, "labels", id+"_labels.nii.gz")
	if err := nifti.Save(metricFile, img, nifti.SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := nifti.Save(labelFile, labels, nifti.SaveOptions{Datatype: nifti.Uint16}); err != nil {
		t.Fatal(err)
	}
	return metricFile, labelFile
}

func TestExtractQuantitativeMetric(t *testing.T) {
	root := t.TempDir()
	m1, l1 := writeSubject(t, root, "alpha", 0.1)
	m2, l2 := writeSubject(t, root, "bravo", 0.2)
	m3 := filepath.Join(root, "charlie", "FA.nii.gz") // no label file
	if err := nifti.Save(m3, models.NewVolume(2, 2, 2, 1, nil), nifti.SaveOptions{}); err != nil {
		t.Fatal(err)
	}

	maxVal := 1.0
	table, err := ExtractQuantitativeMetric([]string{m1, m2, m3}, []string{l1, l2}, BatchOptions{
		LabelNames: map[int]string{2: "CST"},
		LabelTag:   "label_",
		Metric:     "mean",
		MaxVal:     &maxVal,
		Zfill:      3,
		NumCores:   2,
	})
	if err != nil {
		t.Fatal(err)
	}

	wantCols := []string{"ID", "metric_file", "label_file", "thresh_file", "thresh_val", "label_001_mean", "label_002_CST_mean"}
	if strings.Join(table.Columns, ",") != strings.Join(wantCols, ",") {
		t.Errorf("Unexpected columns %v", table.Columns)
	}
	if len(table.Rows) != 2 || table.Rows[0].ID != "alpha" || table.Rows[1].ID != "bravo" {
		t.Fatalf("Unexpected rows %+v", table.Rows)
	}
	if len(table.Failed) != 1 || table.Failed[0] != "charlie" {
		t.Errorf("Expected charlie to fail, got %v", table.Failed)
	}
	// bravo label 2 holds 0.8, 1.0 and 1.2, the last clipped to 1
	if math.Abs(table.Rows[1].Values[1]-2.8/3) > 1e-6 {
		t.Errorf("Expected clipped mean %f for bravo label 2, got %f", 2.8/3, table.Rows[1].Values[1])
	}
	if math.Abs(table.Rows[0].Values[0]-0.2) > 1e-6 {
		t.Errorf("Expected mean 0.2 for alpha label 1, got %f", table.Rows[0].Values[0])
	}

	var buf bytes.Buffer
	if err := table.WriteCSV(&buf); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[1], "alpha,") {
		t.Errorf("Unexpected CSV:\n%s", buf.String())
	}

	npyPath := filepath.Join(root, "table.npy")
	if err := table.WriteNpy(npyPath); err != nil {
		t.Fatal(err)
	}
	r, err := gonpy.NewFileReader(npyPath)
	if err != nil {
		t.Fatal(err)
	}
	if r.Shape[0] != 2 || r.Shape[1] != 2 {
		t.Errorf("Unexpected npy shape %v", r.Shape)
	}
}

func TestExtractQuantitativeMetricBadMetric(t *testing.T) {
	_, err := ExtractQuantitativeMetric(nil, []string{"x"}, BatchOptions{Metric: "mode"})
	if !errors.Is(err, ErrMetric) {
		t.Errorf("Expected ErrMetric, got %v", err)
	}
}

func TestLoadLabelNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "names.csv")
	if err := os.WriteFile(path, []byte("index,Label\n1,CST_L\n2, CST_R\n"), 0644); err != nil {
		t.Fatal(err)
	}
	names, err := LoadLabelNames(path)
	if err != nil {
		t.Fatal(err)
	}
	if names[1] != "CST_L" || names[2] != "CST_R" {
		t.Errorf("Unexpected names %v", names)
	}
}
