package models

import (
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"
)

// BuildOpnameVarianceReport renders one session as an XLSX workbook: the
// header block, then one row per item with its count and classification.
func BuildOpnameVarianceReport(ctx context.Context, opnameId int) (*excelize.File, error) {

	opname, err := GetStockOpname(ctx, opnameId)
	if err != nil {
		return nil, err
	}
	progress, err := GetOpnameProgress(ctx, opnameId)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	sheet := "Variance Report"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	f.SetCellValue(sheet, "A1", "Stock Opname")
	f.SetCellValue(sheet, "B1", opname.OpnameNumber)
	f.SetCellValue(sheet, "A2", "Status")
	f.SetCellValue(sheet, "B2", string(opname.CurrentStatus))
	f.SetCellValue(sheet, "A3", "Scheduled Date")
	f.SetCellValue(sheet, "B3", opname.ScheduledDate.Format("2006-01-02"))
	f.SetCellValue(sheet, "A4", "Counted / Total Items")
	f.SetCellValue(sheet, "B4", fmt.Sprintf("%d / %d", progress.CountedItems, progress.TotalItems))
	f.SetCellValue(sheet, "A5", "Total Variance Value")
	f.SetCellValue(sheet, "B5", progress.TotalVarianceValue.String())

	headers := []string{"SKU", "Product", "Unit", "System Qty", "Physical Qty",
		"Difference", "Variance %", "Variance Value", "Category", "Status"}
	headerRow := 7
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, headerRow)
		if err != nil {
			return nil, err
		}
		f.SetCellValue(sheet, cell, h)
	}

	for i, item := range opname.Items {
		row := headerRow + 1 + i
		percent := item.VariancePercent.StringFixed(2)
		if item.VarianceUnbounded != nil && *item.VarianceUnbounded {
			percent = "n/a"
		}
		values := []interface{}{
			item.Sku,
			item.ProductName,
			item.UnitName,
			item.SystemQty.String(),
			item.PhysicalQty.String(),
			item.Difference.String(),
			percent,
			item.VarianceValue.String(),
			string(item.VarianceCategory),
			string(item.CurrentStatus),
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return nil, err
			}
			f.SetCellValue(sheet, cell, v)
		}
	}

	return f, nil
}
