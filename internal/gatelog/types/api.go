package types

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	OK   bool `json:"ok"`
	User User `json:"user"`
}

type SaveResponse struct {
	OK        bool   `json:"ok"`
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	Timestamp string `json:"timestamp"`
}

// RecordView is the JSON shape of a decrypted record in list responses.
type RecordView struct {
	Kind  Kind   `json:"kind"`
	Entry *Entry `json:"entry,omitempty"`
	Exit  *Exit  `json:"exit,omitempty"`
}

func ViewOf(r Record) RecordView {
	switch v := r.(type) {
	case *Entry:
		return RecordView{Kind: KindEntry, Entry: v}
	case *Exit:
		return RecordView{Kind: KindExit, Exit: v}
	default:
		return RecordView{}
	}
}

type RecordsResponse struct {
	Records []RecordView `json:"records"`
	Skipped int          `json:"skipped"`
}

type PruneRequest struct {
	Keep int `json:"keep"`
}

type PruneResponse struct {
	Deleted int `json:"deleted"`
}

type KnownResponse struct {
	Results []KnownPerson `json:"results"`
}

type BackupsResponse struct {
	Backups []BackupInfo `json:"backups"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
