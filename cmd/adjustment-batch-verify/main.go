// adjustment-batch-verify checks posted stock opnames against their emitted
// adjustment batches: every counted difference must be covered by exactly one
// batch line, line values must match variance values, and the outbox record
// for the batch must exist. Read-only; exits non-zero when a mismatch is found.
//
// Usage:
//   go run ./cmd/adjustment-batch-verify --business-id <uuid> [--opname-id N]
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
	"bitbucket.org/mmdatafocus/retailpos_backend/models"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	opnameID := flag.Int("opname-id", 0, "Verify a single opname instead of every posted one")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}
	bizID := strings.TrimSpace(*businessID)

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	q := db.Where("business_id = ? AND current_status = ?", bizID, models.StockOpnameStatusPosted)
	if *opnameID > 0 {
		q = q.Where("id = ?", *opnameID)
	}
	var opnames []models.StockOpname
	if err := q.Order("id ASC").Find(&opnames).Error; err != nil {
		fmt.Fprintf(os.Stderr, "query opnames: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Found %d posted stock opnames for business %s\n", len(opnames), bizID)

	mismatches := 0
	report := func(opname *models.StockOpname, format string, args ...interface{}) {
		mismatches++
		fmt.Fprintf(os.Stderr, "  opname %s (id=%d): "+format+"\n",
			append([]interface{}{opname.OpnameNumber, opname.ID}, args...)...)
	}

	for i := range opnames {
		opname := &opnames[i]

		var batch models.InventoryAdjustmentBatch
		err := db.Preload("Lines").
			Where("business_id = ? AND stock_opname_id = ?", bizID, opname.ID).
			First(&batch).Error
		if err != nil {
			report(opname, "no adjustment batch: %v", err)
			continue
		}

		var items []models.StockOpnameItem
		if err := db.
			Where("business_id = ? AND stock_opname_id = ?", bizID, opname.ID).
			Find(&items).Error; err != nil {
			fmt.Fprintf(os.Stderr, "query items for opname %d: %v\n", opname.ID, err)
			os.Exit(1)
		}

		linesByItem := make(map[int]*models.InventoryAdjustmentLine, len(batch.Lines))
		for j := range batch.Lines {
			line := &batch.Lines[j]
			if _, dup := linesByItem[line.StockOpnameItemId]; dup {
				report(opname, "duplicate batch lines for item %d", line.StockOpnameItemId)
			}
			linesByItem[line.StockOpnameItemId] = line
		}

		batchValue := decimal.Zero
		itemValue := decimal.Zero
		for j := range items {
			item := &items[j]
			if !item.CurrentStatus.IsTerminal() {
				report(opname, "item %d posted while still %s", item.ID, item.CurrentStatus)
			}
			line, covered := linesByItem[item.ID]
			if item.Difference.IsZero() {
				if covered {
					report(opname, "item %d has zero difference but batch line %d", item.ID, line.ID)
				}
				continue
			}
			if !covered {
				report(opname, "item %d difference %s has no batch line", item.ID, item.Difference)
				continue
			}
			if !line.QtyDelta.Equal(item.Difference) {
				report(opname, "item %d qty delta %s != difference %s", item.ID, line.QtyDelta, item.Difference)
			}
			if !line.LineValue.Equal(item.VarianceValue) {
				report(opname, "item %d line value %s != variance value %s", item.ID, line.LineValue, item.VarianceValue)
			}
			itemValue = itemValue.Add(item.VarianceValue)
			delete(linesByItem, item.ID)
		}
		for itemId := range linesByItem {
			report(opname, "batch line references unknown item %d", itemId)
		}
		for j := range batch.Lines {
			batchValue = batchValue.Add(batch.Lines[j].LineValue)
		}
		if !batchValue.Equal(itemValue) {
			report(opname, "batch value %s != summed variance value %s", batchValue, itemValue)
		}

		var outboxCount int64
		if err := db.Model(&models.LedgerMessageRecord{}).
			Where("business_id = ? AND reference_type = ? AND reference_id = ?",
				bizID, models.LedgerReferenceTypeOpnameAdjustment, batch.ID).
			Count(&outboxCount).Error; err != nil {
			fmt.Fprintf(os.Stderr, "query outbox for batch %d: %v\n", batch.ID, err)
			os.Exit(1)
		}
		if outboxCount == 0 {
			report(opname, "batch %d has no outbox record", batch.ID)
		}
	}

	if mismatches > 0 {
		fmt.Fprintf(os.Stderr, "%d mismatches found\n", mismatches)
		os.Exit(1)
	}
	fmt.Println("all posted opnames reconcile")
}
