// Package trust 根据托管历史与验证事件为主体计算信任分并签发徽章。
package trust

import (
	"time"

	xerrors "AgentEscrow/internal/errors"
)

// Level 是徽章等级，bronze < silver < gold < platinum < diamond。
type Level string

// 徽章等级
const (
	LevelBronze   Level = "bronze"
	LevelSilver   Level = "silver"
	LevelGold     Level = "gold"
	LevelPlatinum Level = "platinum"
	LevelDiamond  Level = "diamond"
)

// Levels 按从低到高返回全部等级。
func Levels() []Level {
	return []Level{LevelBronze, LevelSilver, LevelGold, LevelPlatinum, LevelDiamond}
}

// Rank 返回等级序号，未知等级为 -1。
func (l Level) Rank() int {
	for i, candidate := range Levels() {
		if candidate == l {
			return i
		}
	}
	return -1
}

// LevelFor 将信任分映射到等级。
func LevelFor(score float64) Level {
	switch {
	case score >= 0.95:
		return LevelDiamond
	case score >= 0.85:
		return LevelPlatinum
	case score >= 0.70:
		return LevelGold
	case score >= 0.50:
		return LevelSilver
	default:
		return LevelBronze
	}
}

// Key 标识一枚徽章的归属，ListingID 为空表示主体级徽章。
type Key struct {
	SubjectID string `json:"subject_id"`
	ListingID string `json:"listing_id,omitempty"`
}

// Criteria 是签发徽章时的评分依据快照，字段相等即视为未变化。
type Criteria struct {
	Escrows        int `json:"escrows"`
	Settled        int `json:"settled"`
	Completed      int `json:"completed"`
	Disputed       int `json:"disputed"`
	Verifications  int `json:"verifications"`
	PassedChecks   int `json:"passed_checks"`
	AccountAgeDays int `json:"account_age_days"`
}

// CompletionRate 是已放款托管占已结算托管的比例。
func (c Criteria) CompletionRate() float64 {
	return ratio(c.Completed, c.Settled)
}

// DisputeRate 是发生过争议的托管占全部托管的比例。
func (c Criteria) DisputeRate() float64 {
	return ratio(c.Disputed, c.Escrows)
}

// VerificationPassRate 是通过的验证事件占比。
func (c Criteria) VerificationPassRate() float64 {
	return ratio(c.PassedChecks, c.Verifications)
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// Score 按固定权重计算信任分并截断到 [0,1]。
func (c Criteria) Score() float64 {
	age := float64(c.AccountAgeDays) / 365
	if age > 1 {
		age = 1
	}
	score := 0.40*c.CompletionRate() +
		0.25*(1-c.DisputeRate()) +
		0.25*c.VerificationPassRate() +
		0.10*age
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}

// Badge 是签发后不可修改的信任凭证，重新计算时签发新徽章并停用旧徽章。
type Badge struct {
	ID            string    `json:"badge_id"`
	SubjectID     string    `json:"subject_id"`
	ListingID     string    `json:"listing_id,omitempty"`
	Level         Level     `json:"level"`
	Score         float64   `json:"score"`
	Criteria      Criteria  `json:"criteria_snapshot"`
	Active        bool      `json:"active"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	DeactivatedAt time.Time `json:"deactivated_at,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Key 返回徽章归属。
func (b Badge) Key() Key {
	return Key{SubjectID: b.SubjectID, ListingID: b.ListingID}
}

// Expired 判断徽章在 now 时是否已过期，零值 ExpiresAt 表示永不过期。
func (b Badge) Expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && !now.Before(b.ExpiresAt)
}

// Valid 判断徽章对使用方是否有效。
func (b Badge) Valid(now time.Time) bool {
	return b.Active && !b.Expired(now)
}

var (
	// ErrNotFound 表示没有有效徽章。
	ErrNotFound = xerrors.New(xerrors.CodeNotFound, "徽章不存在")
	// ErrConflict 表示徽章 ID 已存在。
	ErrConflict = xerrors.New(xerrors.CodeConflict, "徽章已存在")
)
