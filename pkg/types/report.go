package types

import (
	"bytes"
	"encoding/json"
	"time"
)

// RawValue 後端回傳的不透明結構化內容
type RawValue = json.RawMessage

// ReportMeta 報告的中繼資料
type ReportMeta struct {
	GeneratedAt  time.Time    `json:"generatedAt" msgpack:"generatedAt"`
	AnalysisKind AnalysisKind `json:"analysisKind" msgpack:"analysisKind"`
	AgentsUsed   []AgentID    `json:"agentsUsed" msgpack:"agentsUsed"`
	KeyLevels    RawValue     `json:"keyLevels,omitempty" msgpack:"keyLevels,omitempty"`
}

// Report 單一代碼的分析結果
//
// 線上格式為扁平物件：代理 id 對應各區段，其餘為中繼欄位，
// 無法辨識的鍵保留在 Extra 中原樣往返。
type Report struct {
	Sections map[AgentID]RawValue `json:"-" msgpack:"sections"`
	Meta     ReportMeta           `json:"-" msgpack:"meta"`
	Extra    map[string]RawValue  `json:"-" msgpack:"extra,omitempty"`
}

var metaKeys = map[string]bool{
	"generatedAt":  true,
	"analysisKind": true,
	"agentsUsed":   true,
	"keyLevels":    true,
}

func isAgentKey(k string) bool {
	for _, a := range CanonicalAgents {
		if string(a) == k {
			return true
		}
	}
	return false
}

// MarshalJSON 輸出扁平格式
func (r Report) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Sections)+len(r.Extra)+4)
	for k, v := range r.Extra {
		flat[k] = v
	}
	for a, v := range r.Sections {
		flat[string(a)] = v
	}
	if !r.Meta.GeneratedAt.IsZero() {
		flat["generatedAt"] = r.Meta.GeneratedAt
	}
	if r.Meta.AnalysisKind != "" {
		flat["analysisKind"] = r.Meta.AnalysisKind
	}
	if r.Meta.AgentsUsed != nil {
		flat["agentsUsed"] = r.Meta.AgentsUsed
	}
	if len(r.Meta.KeyLevels) > 0 {
		flat["keyLevels"] = r.Meta.KeyLevels
	}
	return json.Marshal(flat)
}

// UnmarshalJSON 解析扁平格式
func (r *Report) UnmarshalJSON(data []byte) error {
	var flat map[string]RawValue
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	r.Sections = make(map[AgentID]RawValue)
	r.Extra = nil
	r.Meta = ReportMeta{}

	for k, v := range flat {
		switch {
		case isAgentKey(k):
			r.Sections[AgentID(k)] = v
		case metaKeys[k]:
			// 下方統一處理
		default:
			if r.Extra == nil {
				r.Extra = make(map[string]RawValue)
			}
			r.Extra[k] = v
		}
	}

	if v, ok := flat["generatedAt"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &r.Meta.GeneratedAt); err != nil {
			return err
		}
	}
	if v, ok := flat["analysisKind"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &r.Meta.AnalysisKind); err != nil {
			return err
		}
	}
	if v, ok := flat["agentsUsed"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &r.Meta.AgentsUsed); err != nil {
			return err
		}
	}
	if v, ok := flat["keyLevels"]; ok && !isNull(v) {
		r.Meta.KeyLevels = append(RawValue(nil), v...)
	}
	return nil
}

// Clone 深拷貝報告
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	c := &Report{
		Sections: make(map[AgentID]RawValue, len(r.Sections)),
		Meta:     r.Meta,
	}
	c.Meta.AgentsUsed = append([]AgentID(nil), r.Meta.AgentsUsed...)
	c.Meta.KeyLevels = cloneRaw(r.Meta.KeyLevels)
	for a, v := range r.Sections {
		c.Sections[a] = cloneRaw(v)
	}
	if r.Extra != nil {
		c.Extra = make(map[string]RawValue, len(r.Extra))
		for k, v := range r.Extra {
			c.Extra[k] = cloneRaw(v)
		}
	}
	return c
}

// NewReport 以區段建立報告，AgentsUsed 依固定順序填入
func NewReport(kind AnalysisKind, sections map[AgentID]RawValue, at time.Time) *Report {
	r := &Report{Sections: make(map[AgentID]RawValue, len(sections))}
	for _, a := range CanonicalAgents {
		if v, ok := sections[a]; ok {
			r.Sections[a] = v
			r.Meta.AgentsUsed = append(r.Meta.AgentsUsed, a)
		}
	}
	r.Meta.AnalysisKind = kind
	r.Meta.GeneratedAt = at
	return r
}

func isNull(v RawValue) bool {
	return len(bytes.TrimSpace(v)) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func cloneRaw(v RawValue) RawValue {
	if v == nil {
		return nil
	}
	return append(RawValue(nil), v...)
}
