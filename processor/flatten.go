package processor

import (
	"time"

	"optionflow/logger"
	"optionflow/models"
)

// Flatten turns upstream strike entries into snapshot rows. Every CALL row,
// in input order, is followed by every PUT row, in input order. Entries with
// neither leg contribute nothing.
func Flatten(items []models.RawChainItem, captureTime time.Time) []models.QuoteRecord {
	calls := make([]models.QuoteRecord, 0, len(items))
	puts := make([]models.QuoteRecord, 0, len(items))

	for _, item := range items {
		if item.CE != nil {
			calls = append(calls, newRecord(item, item.CE, models.LegCall, captureTime))
		}
		if item.PE != nil {
			puts = append(puts, newRecord(item, item.PE, models.LegPut, captureTime))
		}
	}

	return append(calls, puts...)
}

func newRecord(item models.RawChainItem, leg *models.LegQuote, legType models.LegType, captureTime time.Time) models.QuoteRecord {
	return models.QuoteRecord{
		Timestamp:            captureTime,
		Expiry:               item.ExpiryDate,
		Strike:               item.StrikePrice,
		LegType:              legType,
		LastPrice:            leg.LastPrice.Ptr(),
		OpenInterest:         leg.OpenInterest.Ptr(),
		ChangeInOpenInterest: leg.ChangeInOpenInterest.Ptr(),
	}
}

// Flattener builds snapshots from fetched chains and reports the data flow.
type Flattener struct {
	log *logger.Log
}

func NewFlattener() *Flattener {
	return &Flattener{log: logger.GetLogger()}
}

// Snapshot flattens items captured at captureTime into a snapshot for symbol.
func (f *Flattener) Snapshot(symbol string, items []models.RawChainItem, captureTime time.Time) models.Snapshot {
	start := time.Now()
	records := Flatten(items, captureTime)

	log := f.log.WithComponent("flattener").WithFields(logger.Fields{"symbol": symbol})
	logger.LogPerformanceEntry(log, "flattener", "flatten", time.Since(start), logger.Fields{
		"items":   len(items),
		"records": len(records),
	})
	logger.LogDataFlowEntry(log, "nse_fetcher", "snapshot_writer", len(records), "quote_records")

	return models.Snapshot{
		Symbol:      symbol,
		CaptureTime: captureTime,
		Records:     records,
	}
}
