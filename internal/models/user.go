package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// DefaultTrackingQuota is the number of tracking numbers a new user may register.
const DefaultTrackingQuota = 10

type User struct {
	UserID     int64
	UserIDHash string
	UserName   string
	Quota      int
	CreatedAt  time.Time
}

// HashUserID returns the id hash used everywhere except notification dispatch.
func HashUserID(userID int64) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(userID, 10)))
	return hex.EncodeToString(sum[:])
}
