package fractal

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/fractalpool/pkg/types"
)

const (
	DefaultMaxIterations = 1024
	DefaultN             = 2.0

	// fileMaxIterations applies when a parameter file omits max_iterations.
	fileMaxIterations = 123
)

var (
	DefaultC1 = complex(-1.5, 1.5)
	DefaultC2 = complex(1.5, -1.5)
)

// DefaultParameter is the Mandelbrot view used when no parameter file is
// available.
func DefaultParameter(width, height int) types.Parameter {
	return types.Parameter{
		Width:         width,
		Height:        height,
		MaxIterations: DefaultMaxIterations,
		Algorithm:     types.AlgorithmMandelbrot,
		C1:            DefaultC1,
		C2:            DefaultC2,
		N:             DefaultN,
	}
}

// Complex is the YAML form of a complex number.
type Complex struct {
	Real float64 `yaml:"real"`
	Imag float64 `yaml:"imag"`
}

// ParameterFile is the YAML form of a saved fractal view.
//
//	algorithm: MandelbrotN
//	c1: {real: -1.5, imag: 1.5}
//	c2: {real: 1.5, imag: -1.5}
//	max_iterations: 512
//	n: 3
type ParameterFile struct {
	Algorithm     string   `yaml:"algorithm"`
	C1            Complex  `yaml:"c1"`
	C2            Complex  `yaml:"c2"`
	MaxIterations *int     `yaml:"max_iterations,omitempty"`
	N             *float64 `yaml:"n,omitempty"`
}

// Apply overlays the file onto base. An unknown algorithm falls back to
// Mandelbrot and is reported as a warning error alongside the result.
func (f ParameterFile) Apply(base types.Parameter) (types.Parameter, error) {
	out := base
	algorithm, warn := ParseAlgorithm(f.Algorithm)
	out.Algorithm = algorithm
	out.C1 = complex(f.C1.Real, f.C1.Imag)
	out.C2 = complex(f.C2.Real, f.C2.Imag)
	out.MaxIterations = fileMaxIterations
	if f.MaxIterations != nil {
		out.MaxIterations = *f.MaxIterations
	}
	out.N = DefaultN
	if f.N != nil {
		out.N = *f.N
	}
	return out, warn
}

// LoadParameterFile reads one YAML parameter file.
func LoadParameterFile(path string) (ParameterFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ParameterFile{}, fmt.Errorf("read parameter file: %w", err)
	}
	var f ParameterFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return ParameterFile{}, fmt.Errorf("parse parameter file %s: %w", path, err)
	}
	return f, nil
}

// SaveParameterFile writes a view as a YAML parameter file.
func SaveParameterFile(path string, p types.Parameter) error {
	iterations, n := p.MaxIterations, p.N
	f := ParameterFile{
		Algorithm:     AlgorithmName(p.Algorithm),
		C1:            Complex{Real: real(p.C1), Imag: imag(p.C1)},
		C2:            Complex{Real: real(p.C2), Imag: imag(p.C2)},
		MaxIterations: &iterations,
		N:             &n,
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encode parameter file: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ParameterSet is the list of parameter files found in a config directory.
type ParameterSet struct {
	Dir   string
	Files []string
}

// OpenParameterSet lists the *.yaml and *.yml files of dir in name order.
// A missing directory yields an empty set, which always produces the default
// view.
func OpenParameterSet(dir string) (*ParameterSet, error) {
	set := &ParameterSet{Dir: dir}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return nil, fmt.Errorf("read config directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			set.Files = append(set.Files, entry.Name())
		}
	}
	sort.Strings(set.Files)
	return set, nil
}

// Next picks a parameter file at random and applies it to the default view
// of a width×height image. It returns the chosen file name, empty when the
// set is empty or the file could not be used.
func (s *ParameterSet) Next(rng *rand.Rand, width, height int) (types.Parameter, string, error) {
	base := DefaultParameter(width, height)
	if s == nil || len(s.Files) == 0 {
		return base, "", nil
	}

	name := s.Files[rng.Intn(len(s.Files))]
	f, err := LoadParameterFile(filepath.Join(s.Dir, name))
	if err != nil {
		return base, "", err
	}
	p, warn := f.Apply(base)
	return p, name, warn
}
