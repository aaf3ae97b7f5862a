package qdrant

import (
	"fmt"
	"sort"
	"strings"
)

// Filters arrive in the pinecone metadata style the services build: a map of
// payload fields to either a bare scalar or an operator object. Only the
// operators the services emit are translated ($eq, $ne, $in); anything else
// is rejected so an unrecognized filter can never silently widen a query.
const (
	filterOpEq = "$eq"
	filterOpNe = "$ne"
	filterOpIn = "$in"
)

type translatedFilter struct {
	Must    []any
	MustNot []any
}

func (f translatedFilter) asMap() map[string]any {
	out := map[string]any{}
	if len(f.Must) > 0 {
		out["must"] = f.Must
	}
	if len(f.MustNot) > 0 {
		out["must_not"] = f.MustNot
	}
	return out
}

func mergeTranslatedFilters(dst *translatedFilter, src translatedFilter) {
	if dst == nil {
		return
	}
	dst.Must = append(dst.Must, src.Must...)
	dst.MustNot = append(dst.MustNot, src.MustNot...)
}

func translateFilterMap(filter map[string]any) (translatedFilter, error) {
	out := translatedFilter{}
	if len(filter) == 0 {
		return out, nil
	}

	fields := make([]string, 0, len(filter))
	for field := range filter {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		f := strings.TrimSpace(field)
		if f == "" {
			continue
		}
		if strings.HasPrefix(f, "$") {
			return translatedFilter{}, opErr(
				"filter_translate",
				OperationErrorUnsupportedFilter,
				fmt.Sprintf("unsupported top-level filter operator %q", f),
				nil,
			)
		}
		part, err := translateFieldFilter(f, filter[field])
		if err != nil {
			return translatedFilter{}, err
		}
		mergeTranslatedFilters(&out, part)
	}
	return out, nil
}

func translateFieldFilter(field string, value any) (translatedFilter, error) {
	out := translatedFilter{}

	ops, ok := value.(map[string]any)
	if !ok {
		scalar, ok := scalarValue(value)
		if !ok {
			return translatedFilter{}, opErr(
				"filter_translate",
				OperationErrorValidation,
				fmt.Sprintf("field %q expects scalar value or operator object", field),
				nil,
			)
		}
		out.Must = append(out.Must, qdrantMatchCondition(field, scalar))
		return out, nil
	}
	if len(ops) == 0 {
		return translatedFilter{}, opErr(
			"filter_translate",
			OperationErrorValidation,
			fmt.Sprintf("field %q has empty operator map", field),
			nil,
		)
	}

	names := make([]string, 0, len(ops))
	for op := range ops {
		names = append(names, op)
	}
	sort.Strings(names)

	for _, op := range names {
		opVal := ops[op]
		switch strings.ToLower(strings.TrimSpace(op)) {
		case filterOpEq, filterOpNe:
			scalar, ok := scalarValue(opVal)
			if !ok {
				return translatedFilter{}, opErr(
					"filter_translate",
					OperationErrorValidation,
					fmt.Sprintf("operator %s for field %q expects scalar value", op, field),
					nil,
				)
			}
			cond := qdrantMatchCondition(field, scalar)
			if strings.EqualFold(strings.TrimSpace(op), filterOpNe) {
				out.MustNot = append(out.MustNot, cond)
			} else {
				out.Must = append(out.Must, cond)
			}
		case filterOpIn:
			values, err := scalarSlice(opVal)
			if err != nil {
				return translatedFilter{}, opErr(
					"filter_translate",
					OperationErrorValidation,
					fmt.Sprintf("operator %s for field %q expects non-empty scalar array", filterOpIn, field),
					err,
				)
			}
			out.Must = append(out.Must, map[string]any{
				"key":   field,
				"match": map[string]any{"any": values},
			})
		default:
			return translatedFilter{}, opErr(
				"filter_translate",
				OperationErrorUnsupportedFilter,
				fmt.Sprintf("unsupported filter operator %q for field %q", op, field),
				nil,
			)
		}
	}
	return out, nil
}

func qdrantMatchCondition(key string, value any) map[string]any {
	return map[string]any{
		"key":   key,
		"match": map[string]any{"value": value},
	}
}

func scalarSlice(value any) ([]any, error) {
	var raw []any
	switch typed := value.(type) {
	case []any:
		raw = typed
	case []string:
		raw = make([]any, len(typed))
		for i, v := range typed {
			raw[i] = v
		}
	default:
		return nil, fmt.Errorf("expected scalar array, got %T", value)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty array")
	}
	out := make([]any, 0, len(raw))
	for _, v := range raw {
		scalar, ok := scalarValue(v)
		if !ok {
			return nil, fmt.Errorf("expected scalar, got %T", v)
		}
		out = append(out, scalar)
	}
	return out, nil
}

func scalarValue(value any) (any, bool) {
	switch typed := value.(type) {
	case string, bool, int, int64, uint64, float64:
		return typed, true
	case int32:
		return int64(typed), true
	case float32:
		return float64(typed), true
	default:
		return nil, false
	}
}
