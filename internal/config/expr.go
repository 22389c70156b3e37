package config

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/specialistvlad/accelgrid/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

// isExprDefined reports whether an optional attribute was written in the
// file. gohcl fills omitted optional expressions with a zero-width null
// expression, so a nil check is not enough.
func isExprDefined(ctx context.Context, expr hcl.Expression, attrName string) bool {
	if expr == nil {
		return false
	}
	r := expr.Range()
	defined := r.End.Byte > r.Start.Byte
	ctxlog.FromContext(ctx).Debug("Checking if HCL attribute was explicitly defined.",
		"attribute", attrName,
		"hcl_range", r.String(),
		"is_defined", defined)
	return defined
}

// exprName reads a bare identifier such as `sim0`.
func exprName(expr hcl.Expression, attrName string) (string, hcl.Diagnostics) {
	name := hcl.ExprAsKeyword(expr)
	if name == "" {
		return "", hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Invalid reference",
			Detail:   fmt.Sprintf("The %s attribute must be a single name, such as sim0.", attrName),
			Subject:  expr.Range().Ptr(),
		}}
	}
	return name, nil
}

// exprNames reads a list of bare identifiers such as `[x, y]`.
func exprNames(expr hcl.Expression, attrName string) ([]string, hcl.Diagnostics) {
	items, diags := hcl.ExprList(expr)
	if diags.HasErrors() {
		return nil, diags
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		name, d := exprName(item, attrName+" element")
		diags = append(diags, d...)
		if name != "" {
			names = append(names, name)
		}
	}
	return names, diags
}

// exprNumbers evaluates a list of numbers.
func exprNumbers(expr hcl.Expression, attrName string) ([]float64, hcl.Diagnostics) {
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, diags
	}
	fail := func(err error) ([]float64, hcl.Diagnostics) {
		return nil, append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid number list",
			Detail:   fmt.Sprintf("The %s attribute must be a list of numbers: %s.", attrName, err),
			Subject:  expr.Range().Ptr(),
		})
	}
	val, err := convert.Convert(val, cty.List(cty.Number))
	if err != nil {
		return fail(err)
	}
	if !val.IsWhollyKnown() || val.IsNull() {
		return fail(fmt.Errorf("value is null or unknown"))
	}
	var out []float64
	if err := gocty.FromCtyValue(val, &out); err != nil {
		return fail(err)
	}
	return out, diags
}
