package normalise

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// solveNormalEquations solves the least-squares problem min ||Xb - y||²
// through the normal equations (XᵀX) b = Xᵀy, factorised with a
// Cholesky decomposition. Both the balance and the field solves go
// through here: the systems are small (at most 20 unknowns) and XᵀX is
// symmetric positive definite for any full-rank design matrix.
func solveNormalEquations(x *mat.Dense, y *mat.VecDense) (*mat.VecDense, error) {
	_, cols := x.Dims()

	var xtx mat.Dense
	xtx.Mul(x.T(), x)

	sym := mat.NewSymDense(cols, nil)
	for i := 0; i < cols; i++ {
		for j := i; j < cols; j++ {
			sym.SetSym(i, j, xtx.At(i, j))
		}
	}

	var xty mat.VecDense
	xty.MulVec(x.T(), y)

	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return nil, errors.New("normal-equation matrix is not positive definite (degenerate design matrix)")
	}

	var b mat.VecDense
	if err := chol.SolveVecTo(&b, &xty); err != nil {
		return nil, fmt.Errorf("cholesky solve: %w", err)
	}
	return &b, nil
}
