package risk

import (
	"context"
	"fmt"
)

// ClassifyEnvironmental resolves codes against the environmental dataset. A
// code may map to several entries; its tier is the highest among them. A
// known code without entries gets the no-specific-classification status so
// callers apply their baseline policy explicitly.
func (s *Service) ClassifyEnvironmental(ctx context.Context, req *EnvironmentalRequest) (*EnvironmentalResponse, error) {
	resp := &EnvironmentalResponse{Results: []EnvironmentalResult{}}
	codes := normalizeAll(req.Codes)
	if len(codes) == 0 {
		resp.Overall = (&aggregate{}).result()
		return resp, nil
	}

	uniq := distinct(codes)
	known, err := s.repo.GetCodes(ctx, uniq)
	if err != nil {
		return nil, fmt.Errorf("lookup codes: %w", err)
	}
	entries, err := s.repo.EnvironmentalForCodes(ctx, uniq)
	if err != nil {
		return nil, fmt.Errorf("lookup environmental entries: %w", err)
	}

	var agg aggregate
	for _, code := range codes {
		res := EnvironmentalResult{
			Code:          code,
			FormattedCode: Format(code),
			Entries:       entries[code],
		}
		if res.Entries == nil {
			res.Entries = []*EnvironmentalEntry{}
		}

		e, ok := known[code]
		switch {
		case !ok && len(res.Entries) == 0:
			res.Status = EnvUnknown
			res.Description = DescriptionNotFound
		default:
			if ok {
				res.Description = e.Description
			}
			res.Tier = entriesTier(res.Entries)
			if res.Tier == "" {
				res.Status = EnvNoClassification
			} else {
				res.Status = EnvClassified
				agg.add(res.Tier)
			}
		}
		environmentalResultsTotal.WithLabelValues(res.Status).Inc()
		resp.Results = append(resp.Results, res)
	}

	resp.Overall = agg.result()
	return resp, nil
}

func entriesTier(entries []*EnvironmentalEntry) Tier {
	var tier Tier
	for _, e := range entries {
		tier = Max(tier, e.Tier)
	}
	return tier
}
