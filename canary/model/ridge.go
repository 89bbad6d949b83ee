package model

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Ridge is L2-regularized linear regression on standardized features with an
// unpenalized intercept. The fit is closed-form, so it is deterministic.
type Ridge struct {
	Lambda       float64   `json:"lambda"`
	Means        []float64 `json:"means"`
	Scales       []float64 `json:"scales"`
	Intercept    float64   `json:"intercept"`
	Coefficients []float64 `json:"coefficients"`
}

// NewRidge creates an unfitted ridge regressor.
func NewRidge(lambda float64) *Ridge {
	return &Ridge{Lambda: lambda}
}

// Fit solves (AᵀA + λD)β = Aᵀy, where A is the standardized design matrix
// with a leading column of ones and D is the identity with D[0][0] = 0.
func (r *Ridge) Fit(X [][]float64, y []float64) error {
	if err := checkTrainingData(X, y); err != nil {
		return err
	}
	n, p := len(X), len(X[0])

	r.Means = make([]float64, p)
	r.Scales = make([]float64, p)
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		for i := range X {
			col[i] = X[i][j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		r.Means[j], r.Scales[j] = mean, std
	}

	a := mat.NewDense(n, p+1, nil)
	for i, row := range X {
		a.Set(i, 0, 1)
		for j, v := range row {
			a.Set(i, j+1, (v-r.Means[j])/r.Scales[j])
		}
	}

	var ata mat.Dense
	ata.Mul(a.T(), a)
	for j := 1; j <= p; j++ {
		ata.Set(j, j, ata.At(j, j)+r.Lambda)
	}
	var aty mat.VecDense
	aty.MulVec(a.T(), mat.NewVecDense(n, y))

	var beta mat.VecDense
	if err := beta.SolveVec(&ata, &aty); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return fmt.Errorf("solving ridge normal equations: %w", err)
		}
		logrus.Warnf("ridge normal equations are ill-conditioned (condition number %.3g)", float64(cond))
	}

	r.Intercept = beta.AtVec(0)
	r.Coefficients = make([]float64, p)
	for j := range r.Coefficients {
		r.Coefficients[j] = beta.AtVec(j + 1)
	}
	return nil
}

// Predict evaluates the fitted linear model, or returns NaN if unfitted.
func (r *Ridge) Predict(x []float64) float64 {
	if len(r.Coefficients) == 0 || len(x) != len(r.Coefficients) {
		return math.NaN()
	}
	out := r.Intercept
	for j, v := range x {
		out += r.Coefficients[j] * (v - r.Means[j]) / r.Scales[j]
	}
	return out
}

func (r *Ridge) validate() error {
	p := len(r.Coefficients)
	if p == 0 {
		return errors.New("ridge has no coefficients")
	}
	if len(r.Means) != p || len(r.Scales) != p {
		return fmt.Errorf("ridge has %d coefficients but %d means and %d scales", p, len(r.Means), len(r.Scales))
	}
	for _, s := range r.Scales {
		if s == 0 {
			return errors.New("ridge has a zero scale")
		}
	}
	return nil
}
