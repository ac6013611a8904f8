package services

import "github.com/teamcast/backend/internal/models"

// DefaultBatchSize matches the transport's bulk-enqueue sweet spot.
const DefaultBatchSize = 100

// PlanBatches splits recipients deterministically in input order into batches
// of exactly batchSize, except the final batch which holds the remainder.
func PlanBatches(recipients []models.RecipientDescriptor, batchSize int) []models.Batch {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if len(recipients) == 0 {
		return nil
	}

	batches := make([]models.Batch, 0, (len(recipients)+batchSize-1)/batchSize)
	for start := 0; start < len(recipients); start += batchSize {
		end := start + batchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		batches = append(batches, models.Batch{
			Index:      len(batches),
			Recipients: recipients[start:end],
		})
	}
	return batches
}
