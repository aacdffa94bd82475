package models

import (
	"log"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Business{}, &Branch{}, &Warehouse{},
		&Role{}, &User{},
		&Product{}, &ProductUnit{}, &StockSummary{},
		&StockOpname{}, &StockOpnameItem{},
		&VarianceIncident{}, &IncidentWhy{},
		&InventoryAdjustmentBatch{}, &InventoryAdjustmentLine{},
		&LedgerMessageRecord{}, &IdempotencyKey{},
		&Document{}, &History{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
