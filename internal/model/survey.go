// internal/model/survey.go
package model

import (
	"fmt"
	"strconv"
	"strings"
)

// SurveyCriterion は事前アンケートの包含基準1件です。
// 原典は文字列式のeval()でしたが、任意コード実行を避けるため
// (field, operator, value) の閉じた述語集合として定義します。
type SurveyCriterion struct {
	Field    string `mapstructure:"field" json:"field"`
	Operator string `mapstructure:"operator" json:"operator"` // eq, ne, gte, lte, in
	Value    string `mapstructure:"value" json:"value"`
}

// Evaluate は提出されたアンケート文書に対して基準を評価します。
// フィールドが存在しない場合は不成立です。
func (c SurveyCriterion) Evaluate(survey map[string]any) (bool, error) {
	raw, ok := survey[c.Field]
	if !ok {
		return false, nil
	}
	actual := fmt.Sprintf("%v", raw)

	switch c.Operator {
	case "eq":
		return actual == c.Value, nil
	case "ne":
		return actual != c.Value, nil
	case "gte", "lte":
		// フォームの値は文字列で来るため数値として解釈する
		a, err := strconv.ParseFloat(strings.TrimSpace(actual), 64)
		if err != nil {
			return false, nil // 数値でない回答は不成立扱い
		}
		v, err := strconv.ParseFloat(c.Value, 64)
		if err != nil {
			return false, fmt.Errorf("criterion %q: value %q is not numeric", c.Field, c.Value)
		}
		if c.Operator == "gte" {
			return a >= v, nil
		}
		return a <= v, nil
	case "in":
		for _, candidate := range strings.Split(c.Value, ",") {
			if actual == strings.TrimSpace(candidate) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("criterion %q: unknown operator %q", c.Field, c.Operator)
	}
}

// --- アンケート関連DTO ---

// ConsentRequest は同意提出のDTO (agree / disagree)
type ConsentRequest struct {
	Consent string `json:"consent" validate:"required,oneof=agree disagree"`
}

// SurveyRequest はアンケート提出のDTO。中身はそのまま文書として保存します。
type SurveyRequest struct {
	Answers map[string]any `json:"answers" validate:"required"`
}

// HearingTestAnswerRequest は聴覚テスト回答のDTO
type HearingTestAnswerRequest struct {
	AudioFile1Tones *int `json:"audiofile1_tones" validate:"required"`
	AudioFile2Tones *int `json:"audiofile2_tones" validate:"required"`
}
