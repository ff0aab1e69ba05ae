package rag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func calibrationRetriever(t *testing.T) *Retriever {
	t.Helper()
	emb := kbEmbedder()
	emb.set("怎么安装", []float32{0.9, 0.2, 0, 0})
	emb.set("部署报错怎么办", []float32{0.1, 0.92, 0, 0})
	emb.set("晚饭吃什么", unitVec(4, 3))
	emb.set("明天下雨吗", []float32{0, 0, 1, 0.2})
	dir := buildTestKB(t, emb, kbChunks())
	return loadTestRetriever(t, dir, emb, 0.99)
}

func TestCalibrateSeparatesLabels(t *testing.T) {
	r := calibrationRetriever(t)
	good := []string{"怎么安装", "部署报错怎么办"}
	bad := []string{"晚饭吃什么", "明天下雨吗"}

	throttle, err := Calibrate(context.Background(), r, good, bad, zap.NewNop())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, throttle, float32(0))
	assert.Equal(t, throttle, r.RejectThrottle())

	// 标定后：库内问题接受，域外问题拒绝
	for _, q := range good {
		accept, _, err := r.IsRelative(context.Background(), q, false, true)
		require.NoError(t, err)
		assert.True(t, accept, "good question %q rejected", q)
	}
	for _, q := range bad {
		accept, _, err := r.IsRelative(context.Background(), q, false, true)
		require.NoError(t, err)
		assert.False(t, accept, "bad question %q accepted", q)
	}
}

func TestCalibrateIdempotent(t *testing.T) {
	r := calibrationRetriever(t)
	good := []string{"怎么安装"}
	bad := []string{"晚饭吃什么"}

	first, err := Calibrate(context.Background(), r, good, bad, zap.NewNop())
	require.NoError(t, err)
	second, err := Calibrate(context.Background(), r, good, bad, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCalibrateEmptySetIsFatal(t *testing.T) {
	r := calibrationRetriever(t)

	_, err := Calibrate(context.Background(), r, nil, []string{"x"}, zap.NewNop())
	require.Error(t, err)
	_, err = Calibrate(context.Background(), r, []string{"x"}, nil, zap.NewNop())
	require.Error(t, err)
	// 失败时阈值保持原样
	assert.Equal(t, float32(0.99), r.RejectThrottle())
}
