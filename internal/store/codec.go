package store

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// Codec 將 job 陣列序列化為單一值
//
// Decode 逐筆解析：整體格式錯誤回傳 error，單筆損壞只回報在 bad 中。
type Codec interface {
	Name() string
	Encode(jobs []*types.Job) ([]byte, error)
	Decode(data []byte) (jobs []*types.Job, bad []error, err error)
}

// CodecByName 依設定名稱取得 codec
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	}
	return nil, fmt.Errorf("unknown store codec %q", name)
}

// JSONCodec 預設格式，與瀏覽器版本相容
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(jobs []*types.Job) ([]byte, error) {
	if jobs == nil {
		jobs = []*types.Job{}
	}
	return json.Marshal(jobs)
}

func (JSONCodec) Decode(data []byte) ([]*types.Job, []error, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, nil, err
	}
	jobs := make([]*types.Job, 0, len(raws))
	var bad []error
	for i, raw := range raws {
		var job types.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			bad = append(bad, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, bad, nil
}

// MsgpackCodec 較小的二進位格式
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Encode(jobs []*types.Job) ([]byte, error) {
	raws := make([]msgpack.RawMessage, 0, len(jobs))
	for _, job := range jobs {
		b, err := msgpack.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", job.ID, err)
		}
		raws = append(raws, b)
	}
	return msgpack.Marshal(raws)
}

func (MsgpackCodec) Decode(data []byte) ([]*types.Job, []error, error) {
	var raws []msgpack.RawMessage
	if err := msgpack.Unmarshal(data, &raws); err != nil {
		return nil, nil, err
	}
	jobs := make([]*types.Job, 0, len(raws))
	var bad []error
	for i, raw := range raws {
		var job types.Job
		if err := msgpack.Unmarshal(raw, &job); err != nil {
			bad = append(bad, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, bad, nil
}
