package store

import (
	"log/slog"
	"time"
)

// Credential is the per-user record holding the PDS identity and the
// encrypted app-password. The ciphertext and nonce must never be logged;
// Credential's LogValue redacts them.
type Credential struct {
	DID                 string
	Handle              string
	Email               string
	PDSHostname         string
	PwCiphertext        []byte
	PwNonce             []byte
	PseudonymTemplateID int64
}

// LogValue redacts the encrypted app-password fields from slog output.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("did", c.DID),
		slog.String("handle", c.Handle),
		slog.String("pds_hostname", c.PDSHostname),
	)
}

// Session is an issued poltr session token, carrying the upstream PDS
// tokens it fronts for.
type Session struct {
	SessionToken   string
	DID            string
	UserJSON       []byte
	ExpiresAt      time.Time
	LastAccessedAt time.Time
	AccessToken    string
	RefreshToken   string
}

// Expired reports whether the session is no longer valid as of now.
func (s Session) Expired(now time.Time) bool { return now.After(s.ExpiresAt) }

// PendingLogin is a one-time magic-link token for login.
type PendingLogin struct {
	ID        string
	Email     string
	Token     string
	ExpiresAt time.Time
}

// PendingRegistration is upserted on re-request so the newest link wins.
type PendingRegistration struct {
	Email     string
	Token     string
	ExpiresAt time.Time
}

// MountainTemplate is a static pseudonym source row.
type MountainTemplate struct {
	ID       int64
	Name     string
	Fullname string
	Canton   string
	Height   int
}

// Ballot is a locally indexed governance record.
type Ballot struct {
	URI             string
	Rkey            string
	DID             string
	CID             string
	Title           string
	Description     string
	VoteDate        time.Time
	CreatedAt       time.Time
	Deleted         bool
	LikeCount       int
	ReplyCount      int
	BookmarkCount   int
	RecordJSON      []byte
	BskyPostURI     *string
	BskyPostCID     *string
}

// ReviewStatus is the lifecycle state of an Argument.
type ReviewStatus string

const (
	ReviewPreliminary ReviewStatus = "preliminary"
	ReviewApproved    ReviewStatus = "approved"
	ReviewRejected    ReviewStatus = "rejected"
)

// ArgumentType distinguishes PRO/CONTRA arguments.
type ArgumentType string

const (
	ArgumentPro     ArgumentType = "PRO"
	ArgumentContra  ArgumentType = "CONTRA"
)

// Argument is a (preliminary or governance-approved) argument record.
type Argument struct {
	URI            string
	BallotURI      string
	BallotRkey     string
	DID            string
	CID            string
	Title          string
	Body           string
	Type           ArgumentType
	ReviewStatus   ReviewStatus
	OriginalURI    *string
	GovernanceURI  *string
	BskyPostURI    *string
	BskyPostCID    *string
	Deleted        bool
	CreatedAt      time.Time
	IndexedAt      *time.Time
	LikeCount      int
	CommentCount   int
}

// IsPreliminaryAwaitingGovernanceCopy is true once approved but before
// the peer-review worker has produced a governance copy.
func (a Argument) IsPreliminaryAwaitingGovernanceCopy() bool {
	return a.ReviewStatus == ReviewApproved && a.GovernanceURI == nil && a.OriginalURI == nil
}

// Like records a user like of a ballot/argument/other subject.
type Like struct {
	URI          string
	DID          string
	SubjectURI   string
	SubjectCID   string
	BskyLikeURI  *string
	Deleted      bool
	CreatedAt    time.Time
}

// ReviewInvitation is created by the peer-review worker on the
// governance identity.
type ReviewInvitation struct {
	URI         string
	ArgumentURI string
	InviteeDID  string
	CreatedAt   time.Time
	Deleted     bool
}

// ReviewVote is a reviewer's APPROVE/REJECT decision.
type ReviewVote string

const (
	VoteApprove ReviewVote = "APPROVE"
	VoteReject  ReviewVote = "REJECT"
)

// ReviewResponse is a reviewer's submitted criteria/vote/justification.
type ReviewResponse struct {
	URI           string
	ArgumentURI   string
	ReviewerDID   string
	Criteria      []byte // JSON
	Vote          ReviewVote
	Justification *string
	CreatedAt     time.Time
	Deleted       bool
}
