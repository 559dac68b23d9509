package gpu

// Block-wide complex sum over rows of shared memory. Row length must be a
// power of two no larger than MaxThreadsPerBlock. The reduction halves the
// row with a synchronised tree until it fits in one warp, then finishes with
// warp-synchronous shuffle-down steps. Hardware shuffle moves 32-bit lanes,
// so the final warp splits each complex into its two float32 lanes, shuffles
// each, and recombines.

// ReduceRows sums each of rows rows of rowLen values in shared, leaving the
// row sum in the row's first slot.
func ReduceRows(shared []complex64, rows, rowLen int) {
	for r := 0; r < rows; r++ {
		ReduceRow(shared[r*rowLen : (r+1)*rowLen])
	}
}

// ReduceRow sums one row in place, leaving the result in row[0].
func ReduceRow(row []complex64) {
	n := len(row)

	// Tree reduction with a barrier between halving steps.
	for stride := n / 2; stride >= defaultWarpSize; stride /= 2 {
		for i := 0; i < stride; i++ {
			row[i] += row[i+stride]
		}
	}

	width := n
	if width > defaultWarpSize {
		width = defaultWarpSize
	}
	row[0] = warpReduce(row[:width])
}

// warpReduce performs the unrolled final-warp shuffle-down reduction.
// Inactive lanes hold zero.
func warpReduce(lanes []complex64) complex64 {
	var re, im [defaultWarpSize]float32
	for i, v := range lanes {
		re[i] = real(v)
		im[i] = imag(v)
	}

	for offset := defaultWarpSize / 2; offset >= 1; offset /= 2 {
		re = shuffleDownAdd(re, offset)
		im = shuffleDownAdd(im, offset)
	}
	return complex(re[0], im[0])
}

// shuffleDownAdd models one __shfl_down step: every lane reads the register
// of the lane offset positions above it from the pre-step state, then
// accumulates.
func shuffleDownAdd(regs [defaultWarpSize]float32, offset int) [defaultWarpSize]float32 {
	var out [defaultWarpSize]float32
	for lane := 0; lane < defaultWarpSize; lane++ {
		v := regs[lane]
		if lane+offset < defaultWarpSize {
			v += regs[lane+offset]
		}
		out[lane] = v
	}
	return out
}
