package internal

// ShareholderRecord is the canonical shape every source row is normalized into.
// Optional fields are nil when the source had no value for them.
type ShareholderRecord struct {
	Orgnr               string  `json:"orgnr"`
	Selskap             string  `json:"selskap"`
	Aksjeklasse         *string `json:"aksjeklasse"`
	NavnAksjonaer       string  `json:"navn_aksjonaer"`
	FodselsarOrgnr      *string `json:"fodselsar_orgnr"`
	Landkode            *string `json:"landkode"`
	AntallAksjer        string  `json:"antall_aksjer"`
	AntallAksjerSelskap *string `json:"antall_aksjer_selskap"`
}

type ImportStatus string

const (
	ImportParsing   ImportStatus = "parsing"
	ImportCompleted ImportStatus = "completed"
	ImportFailed    ImportStatus = "failed"
	ImportCancelled ImportStatus = "cancelled"
)

type ImportRow struct {
	ID         string
	FileName   string
	FileHash   string
	Status     ImportStatus
	RowsParsed int
	RowsStored int
	Error      string
	StartedAt  string
	FinishedAt *string
}

type InboxSource string

const (
	InboxManual InboxSource = "manual"
	InboxGmail  InboxSource = "gmail"
	InboxIMAP   InboxSource = "imap"
)

type InboxStatus string

const (
	InboxPending  InboxStatus = "pending"
	InboxImported InboxStatus = "imported"
	InboxFailed   InboxStatus = "failed"
	InboxSkipped  InboxStatus = "skipped"
)

type InboxFile struct {
	ID       int
	Hash     string
	Name     string
	Path     string
	Source   InboxSource
	Status   InboxStatus
	ImportID *string
}

type ReconcileStatus string

const (
	ReconcileOK       ReconcileStatus = "OK"
	ReconcileReview   ReconcileStatus = "REVIEW"
	ReconcileMismatch ReconcileStatus = "MISMATCH"
)

// Reconciliation compares the summed holder shares of one company against the
// company total declared on its rows. Share amounts are decimal strings.
type Reconciliation struct {
	Orgnr          string          `json:"orgnr"`
	Selskap        string          `json:"selskap"`
	HolderCount    int             `json:"holderCount"`
	SumShares      string          `json:"sumShares"`
	DeclaredShares *string         `json:"declaredShares"`
	Status         ReconcileStatus `json:"status"`
	Reason         string          `json:"reason"`
}

type FetchedMailMessage struct {
	Provider   string
	MessageID  string
	Subject    string
	From       string
	ReceivedAt string
	Raw        []byte
}

// ShareholderExportRow is a stored record joined with its computed ownership.
type ShareholderExportRow struct {
	LineNo int
	ShareholderRecord
	OwnershipPct *string
}
