package data

import (
	"fmt"
	"math/rand"
	"sort"
)

// Split partitions a dataset into disjoint train/validation/test subsets.
// The partition is determined entirely by the ratios and the seed; each
// subset keeps its indices in ascending parent order so downstream
// sequential passes are stable across runs.
func Split(ds Dataset, trainRatio, valRatio, testRatio float64, seed int64) (train, val, test *Subset, err error) {
	n := ds.Len()
	if n == 0 {
		return nil, nil, nil, fmt.Errorf("cannot split an empty dataset")
	}
	sum := trainRatio + valRatio + testRatio
	if sum < 0.999 || sum > 1.001 {
		return nil, nil, nil, fmt.Errorf("split ratios must sum to 1.0, got %g", sum)
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	rng := rand.New(rand.NewSource(seed))
	for i := n - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		indices[i], indices[j] = indices[j], indices[i]
	}

	trainEnd := int(float64(n) * trainRatio)
	valEnd := trainEnd + int(float64(n)*valRatio)
	if trainEnd == 0 || valEnd == trainEnd {
		return nil, nil, nil, fmt.Errorf("dataset of %d records is too small for ratios %g/%g/%g",
			n, trainRatio, valRatio, testRatio)
	}

	trainIdx := append([]int(nil), indices[:trainEnd]...)
	valIdx := append([]int(nil), indices[trainEnd:valEnd]...)
	testIdx := append([]int(nil), indices[valEnd:]...)
	sort.Ints(trainIdx)
	sort.Ints(valIdx)
	sort.Ints(testIdx)

	return NewSubset(ds, trainIdx), NewSubset(ds, valIdx), NewSubset(ds, testIdx), nil
}
