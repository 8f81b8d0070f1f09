package obtypes

// UploadInfo records the at-most-one in-flight upload task of an object.
// Exactly one of the variants is set. It is persisted after every mutation
// so a crash mid-upload resumes from the last durable checkpoint.
type UploadInfo struct {
	NewVersion *NewVersionUpload `json:"new_version,omitempty"`
	Removal    *RemovalUpload    `json:"removal,omitempty"`
}

type NewVersionUpload struct {
	LocalVersion  Version     `json:"local_version"`
	UploadVersion Version     `json:"upload_version"`
	BaseVersion   *Version    `json:"base_version,omitempty"`
	NeedUpload    *NeedUpload `json:"need_upload,omitempty"`
}

// NeedUpload describes the bytes still to send. Exactly one variant is set.
type NeedUpload struct {
	Whole *WholeVerOrderedUpload `json:"whole,omitempty"`
	Diff  *DiffVerOrderedUpload  `json:"diff,omitempty"`
}

type WholeVerOrderedUpload struct {
	Header        bool   `json:"header,omitempty"` // header bytes still to send
	SegsLeft      uint64 `json:"segs_left"`
	SegsOfs       uint64 `json:"segs_ofs"`
	TransactionId string `json:"transaction_id,omitempty"`
}

type DiffVerOrderedUpload struct {
	Diff          DiffInfo    `json:"diff"`
	NewSegsLeft   []SegsChunk `json:"new_segs_left,omitempty"` // in upload order
	Header        bool        `json:"header,omitempty"`
	TransactionId string      `json:"transaction_id,omitempty"`
}

type RemovalUpload struct {
	// a postponed removal is not acted on until a caller that has verified
	// ordering preconditions (e.g. children removed first) clears the flag
	IsPostponed  bool     `json:"is_postponed"`
	LocalVersion *Version `json:"local_version,omitempty"`
}

// BytesLeft is what pool selection (fast vs long-running) is based on.
func (n *NewVersionUpload) BytesLeft() uint64 {
	if n.NeedUpload == nil {
		return 0
	}

	switch {
	case n.NeedUpload.Whole != nil:
		return n.NeedUpload.Whole.SegsLeft
	case n.NeedUpload.Diff != nil:
		total := uint64(0)
		for _, chunk := range n.NeedUpload.Diff.NewSegsLeft {
			total += chunk.Len
		}
		return total
	default:
		return 0
	}
}
