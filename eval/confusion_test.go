package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture: 2 classes, 10 records
//
//	true 0: 4 predicted 0, 1 predicted 1
//	true 1: 2 predicted 0, 3 predicted 1
func fixtureMatrix(t *testing.T) *ConfusionMatrix {
	t.Helper()
	cm := NewConfusionMatrix(2)
	add := func(true_, pred, n int) {
		for i := 0; i < n; i++ {
			require.NoError(t, cm.Add(true_, pred))
		}
	}
	add(0, 0, 4)
	add(0, 1, 1)
	add(1, 0, 2)
	add(1, 1, 3)
	return cm
}

func TestConfusionAccuracy(t *testing.T) {
	cm := fixtureMatrix(t)
	assert.Equal(t, 10, cm.Total)
	assert.InDelta(t, 0.7, cm.Accuracy(), 1e-12)
}

func TestConfusionPerClassMetrics(t *testing.T) {
	cm := fixtureMatrix(t)

	// class 0: tp=4, fp=2, fn=1
	assert.InDelta(t, 4.0/6.0, cm.Precision(0), 1e-12)
	assert.InDelta(t, 4.0/5.0, cm.Recall(0), 1e-12)
	assert.Equal(t, 5, cm.Support(0))

	// class 1: tp=3, fp=1, fn=2
	assert.InDelta(t, 3.0/4.0, cm.Precision(1), 1e-12)
	assert.InDelta(t, 3.0/5.0, cm.Recall(1), 1e-12)
	assert.Equal(t, 5, cm.Support(1))

	p, r := cm.Precision(0), cm.Recall(0)
	assert.InDelta(t, 2*p*r/(p+r), cm.F1(0), 1e-12)
}

func TestConfusionMacroAverages(t *testing.T) {
	cm := fixtureMatrix(t)
	assert.InDelta(t, (cm.Precision(0)+cm.Precision(1))/2, cm.MacroPrecision(), 1e-12)
	assert.InDelta(t, (cm.Recall(0)+cm.Recall(1))/2, cm.MacroRecall(), 1e-12)
	assert.InDelta(t, (cm.F1(0)+cm.F1(1))/2, cm.MacroF1(), 1e-12)
}

func TestConfusionNeverPredictedClass(t *testing.T) {
	cm := NewConfusionMatrix(3)
	require.NoError(t, cm.Add(0, 0))
	require.NoError(t, cm.Add(1, 0))

	// class 2 has no records and was never predicted
	assert.Equal(t, 0.0, cm.Precision(2))
	assert.Equal(t, 0.0, cm.Recall(2))
	assert.Equal(t, 0.0, cm.F1(2))
	assert.Equal(t, 0, cm.Support(2))
}

func TestConfusionEmptyMatrix(t *testing.T) {
	cm := NewConfusionMatrix(2)
	assert.Equal(t, 0.0, cm.Accuracy())
}

func TestConfusionAddRejectsOutOfRange(t *testing.T) {
	cm := NewConfusionMatrix(2)
	assert.Error(t, cm.Add(2, 0))
	assert.Error(t, cm.Add(0, -1))
}

func TestConfusionString(t *testing.T) {
	cm := fixtureMatrix(t)
	s := cm.String()
	assert.Contains(t, s, "true\\pred")
	assert.Contains(t, s, "4\t1")
	assert.Contains(t, s, "2\t3")
}
