package structar

import (
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"structar/baseline"
	"structar/linalg"
)

func init() {
	gob.Register(&baseline.Harmonic{})
	gob.Register(&baseline.NonParametric{})
}

// matrixBlob is the serialized form of a dense matrix; gob cannot
// encode mat.Dense directly.
type matrixBlob struct {
	Rows, Cols int
	Data       []float64
}

func toBlob(m *mat.Dense) matrixBlob {
	if m == nil {
		return matrixBlob{}
	}
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		data = append(data, m.RawRowView(i)...)
	}
	return matrixBlob{Rows: r, Cols: c, Data: data}
}

func fromBlob(b matrixBlob) *mat.Dense {
	if b.Rows == 0 && b.Cols == 0 {
		return nil
	}
	return mat.NewDense(b.Rows, b.Cols, b.Data)
}

// persistedModel is everything needed to rebuild a Model without
// refitting: metadata plus the three sufficient statistics. Inference
// structures are reassembled on load.
type persistedModel struct {
	Columns                 []string
	FutureLag               int
	PastLag                 int
	Rank                    int
	QuadraticRegularization float64
	NoiseCorrection         bool
	TrainTestSplit          float64

	Blocks            [][]int
	AvailableDataLags []int
	PredictorOnly     []bool

	BaselineConfigs []baseline.Config
	Baselines       []baseline.Transform
	BaselineRMSE    []float64
	ARRMSE          matrixBlob
	Min             []float64
	Max             []float64
	Degenerate      []int

	STimesV     matrixBlob
	SLagged     []matrixBlob
	BlockLagged [][]matrixBlob
}

// Save writes the model as gzip-compressed gob.
func (m *Model) Save(w io.Writer) error {
	p := persistedModel{
		Columns:                 m.Columns,
		FutureLag:               m.FutureLag,
		PastLag:                 m.PastLag,
		Rank:                    m.Rank,
		QuadraticRegularization: m.QuadraticRegularization,
		NoiseCorrection:         m.NoiseCorrection,
		TrainTestSplit:          m.TrainTestSplit,
		Blocks:                  m.Blocks,
		AvailableDataLags:       m.AvailableDataLags,
		PredictorOnly:           m.PredictorOnly,
		BaselineConfigs:         m.BaselineConfigs,
		Baselines:               m.Baselines,
		BaselineRMSE:            m.BaselineRMSE,
		ARRMSE:                  toBlob(m.ARRMSE),
		Min:                     m.Min,
		Max:                     m.Max,
		Degenerate:              m.Degenerate,
		STimesV:                 toBlob(m.Stats.STimesV),
	}
	for _, g := range m.Stats.SLaggedCovariances {
		p.SLagged = append(p.SLagged, toBlob(g))
	}
	for _, block := range m.Stats.BlockLaggedCovariances {
		blobs := make([]matrixBlob, 0, len(block))
		for _, d := range block {
			blobs = append(blobs, toBlob(d))
		}
		p.BlockLagged = append(p.BlockLagged, blobs)
	}

	gz := gzip.NewWriter(w)
	if err := gob.NewEncoder(gz).Encode(&p); err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	return gz.Close()
}

// Load reads a model written by Save and rebuilds the inference
// structures from the persisted sufficient statistics.
func Load(r io.Reader, log zerolog.Logger) (*Model, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open model stream: %w", err)
	}
	defer gz.Close()

	var p persistedModel
	if err := gob.NewDecoder(gz).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}

	m := &Model{
		Columns:                 p.Columns,
		FutureLag:               p.FutureLag,
		PastLag:                 p.PastLag,
		Rank:                    p.Rank,
		QuadraticRegularization: p.QuadraticRegularization,
		NoiseCorrection:         p.NoiseCorrection,
		TrainTestSplit:          p.TrainTestSplit,
		Blocks:                  p.Blocks,
		AvailableDataLags:       p.AvailableDataLags,
		PredictorOnly:           p.PredictorOnly,
		BaselineConfigs:         p.BaselineConfigs,
		Baselines:               p.Baselines,
		BaselineRMSE:            p.BaselineRMSE,
		ARRMSE:                  fromBlob(p.ARRMSE),
		Min:                     p.Min,
		Max:                     p.Max,
		Degenerate:              p.Degenerate,
		log:                     log,
	}
	m.Stats.STimesV = fromBlob(p.STimesV)
	for _, b := range p.SLagged {
		m.Stats.SLaggedCovariances = append(m.Stats.SLaggedCovariances, fromBlob(b))
	}
	for _, block := range p.BlockLagged {
		ds := make([]*mat.Dense, 0, len(block))
		for _, b := range block {
			ds = append(ds, fromBlob(b))
		}
		m.Stats.BlockLaggedCovariances = append(m.Stats.BlockLaggedCovariances, ds)
	}

	m.cov, err = linalg.BuildMatrices(m.Stats)
	if err != nil {
		return nil, fmt.Errorf("rebuild structured covariance: %w", err)
	}
	return m, nil
}

// SaveFile and LoadFile are file-path conveniences around Save/Load.
func (m *Model) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := m.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func LoadFile(path string, log zerolog.Logger) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f, log)
}
