package models

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireOpnamePostingLock serializes posting per session across instances
// using MySQL advisory locks. GET_LOCK is connection-scoped, so this must be
// called on the transaction handle that does the posting, never the pooled db.
func AcquireOpnamePostingLock(tx *gorm.DB, businessId string, opnameId int) error {
	lockName := fmt.Sprintf("opname_posting:%s:%d", businessId, opnameId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire posting lock for stock opname %d", opnameId)
	}
	return nil
}

func ReleaseOpnamePostingLock(tx *gorm.DB, businessId string, opnameId int) {
	lockName := fmt.Sprintf("opname_posting:%s:%d", businessId, opnameId)
	var released int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&released).Error
}
