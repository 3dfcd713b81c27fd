package classifier

import (
	"sort"

	"github.com/spf13/cast"

	"github.com/miradorstack/mirador-logrca/internal/models"
	"github.com/miradorstack/mirador-logrca/internal/normalizer"
)

// TopServiceLimit bounds Statistics.TopServices.
const TopServiceLimit = 10

// ErrorTypeField is the structured field counted by Statistics.UniqueErrorTypes.
const ErrorTypeField = "error.type"

// Summarize counts the grouped records by category, severity and service.
func Summarize(groups []models.ErrorGroup) models.Statistics {
	stats := models.Statistics{
		ByCategory:  map[models.Category]int{},
		BySeverity:  map[models.Severity]int{},
		TopServices: []models.ServiceCount{},
		TotalGroups: len(groups),
	}
	services := map[string]int{}
	errorTypes := map[string]struct{}{}
	for _, g := range groups {
		stats.ByCategory[g.Category] += len(g.Members)
		for _, m := range g.Members {
			stats.BySeverity[m.Severity]++
			services[m.Service]++
			if v, ok := normalizer.Lookup(m.RawFields, ErrorTypeField); ok {
				if t := cast.ToString(v); t != "" {
					errorTypes[t] = struct{}{}
				}
			}
		}
	}

	stats.UniqueServices = len(services)
	stats.UniqueErrorTypes = len(errorTypes)
	for svc, n := range services {
		stats.TopServices = append(stats.TopServices, models.ServiceCount{Service: svc, Count: n})
	}
	sort.Slice(stats.TopServices, func(i, j int) bool {
		a, b := stats.TopServices[i], stats.TopServices[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Service < b.Service
	})
	if len(stats.TopServices) > TopServiceLimit {
		stats.TopServices = stats.TopServices[:TopServiceLimit]
	}
	return stats
}
