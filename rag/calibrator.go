package rag

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Calibrate 用标注问题集标定拒答阈值。
// good 是知识库内问题（应接受），bad 是域外问题（应拒绝）。
// 对每个问题取无下限相似度（负分钳到 0），在全部不同得分构成的
// 候选阈值上扫 precision-recall 曲线，取 precision + recall 最大的
// 阈值——这是 F1 的可解释代理，还躲开了 F1 分母为零的边界。
// 选出的阈值钳到非负并写入检索器。
//
// 任一标注集为空是配置错误，直接失败，绝不带病标定。
func Calibrate(ctx context.Context, r *Retriever, good, bad []string, logger *zap.Logger) (float32, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "calibrator"))

	if len(good) == 0 || len(bad) == 0 {
		return 0, fmt.Errorf("calibration needs both labeled sets: good=%d bad=%d", len(good), len(bad))
	}

	var scores []float64
	var labels []bool
	appendSet := func(questions []string, label bool) error {
		for _, q := range questions {
			_, score, err := r.IsRelative(ctx, q, false, false)
			if err != nil {
				return fmt.Errorf("score question %q: %w", q, err)
			}
			if score < 0 {
				score = 0
			}
			scores = append(scores, float64(score))
			labels = append(labels, label)
		}
		return nil
	}
	if err := appendSet(good, true); err != nil {
		return 0, err
	}
	if err := appendSet(bad, false); err != nil {
		return 0, err
	}

	throttle := bestThreshold(scores, labels)
	if throttle < 0 {
		throttle = 0
	}

	r.SetRejectThrottle(float32(throttle))
	logger.Info("reject throttle calibrated",
		zap.Float64("throttle", throttle),
		zap.Int("good", len(good)),
		zap.Int("bad", len(bad)),
	)
	return float32(throttle), nil
}

// bestThreshold 在不同得分构成的候选阈值上取 precision + recall 最大者。
func bestThreshold(scores []float64, labels []bool) float64 {
	distinct := make(map[float64]bool, len(scores))
	var candidates []float64
	for _, s := range scores {
		if !distinct[s] {
			distinct[s] = true
			candidates = append(candidates, s)
		}
	}
	sort.Float64s(candidates)

	totalPositive := 0
	for _, l := range labels {
		if l {
			totalPositive++
		}
	}

	best := candidates[0]
	bestObjective := -1.0
	for _, threshold := range candidates {
		tp, fp := 0, 0
		for i, s := range scores {
			if s < threshold {
				continue
			}
			if labels[i] {
				tp++
			} else {
				fp++
			}
		}
		if tp+fp == 0 {
			continue
		}
		precision := float64(tp) / float64(tp+fp)
		recall := 0.0
		if totalPositive > 0 {
			recall = float64(tp) / float64(totalPositive)
		}
		if objective := precision + recall; objective > bestObjective {
			bestObjective = objective
			best = threshold
		}
	}
	return best
}
