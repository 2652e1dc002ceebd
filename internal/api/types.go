package api

import "time"

type ErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

type SessionResponse struct {
	ID       string    `json:"id"`
	Object   string    `json:"object"`
	Created  time.Time `json:"created"`
	Position int       `json:"position"`
	Steps    int       `json:"steps"`
}

type SessionList struct {
	Object string            `json:"object"`
	Data   []SessionResponse `json:"data"`
}

type DeleteSessionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

// ForwardRequest carries one token per batch row. StartPos defaults to the
// session's next position.
type ForwardRequest struct {
	Tokens   [][]int `json:"tokens"`
	StartPos *int    `json:"start_pos,omitempty"`
	// TopK limits the response to the k highest logits per row. Zero returns
	// the full distribution.
	TopK int `json:"top_k,omitempty"`
}

type ForwardResponse struct {
	ID       string         `json:"id"`
	Object   string         `json:"object"`
	Shape    [3]int         `json:"shape"`
	Position int            `json:"position"`
	Argmax   []int          `json:"argmax"`
	Logits   [][][]float32  `json:"logits,omitempty"`
	Top      [][]TokenLogit `json:"top,omitempty"`
}

type TokenLogit struct {
	Token int     `json:"token"`
	Logit float32 `json:"logit"`
}

type ConfigResponse struct {
	Object           string   `json:"object"`
	Dim              int      `json:"dim"`
	NLayers          int      `json:"n_layers"`
	NHeads           int      `json:"n_heads"`
	NKVHeads         int      `json:"n_kv_heads"`
	VocabSize        int      `json:"vocab_size"`
	MultipleOf       int      `json:"multiple_of"`
	FFNDimMultiplier *float64 `json:"ffn_dim_multiplier"`
	NormEps          float64  `json:"norm_eps"`
	MaxBatchSize     int      `json:"max_batch_size"`
	MaxSeqLen        int      `json:"max_seq_len"`
	RopeTheta        float64  `json:"rope_theta"`
	Device           string   `json:"device"`
	HeadDim          int      `json:"head_dim"`
	NRep             int      `json:"n_rep"`
	HiddenDim        int      `json:"hidden_dim"`
}
