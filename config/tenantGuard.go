package config

import (
	"context"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mmdatafocus/retailpos_backend/appctx"
)

// TenantGuardPlugin scopes every query, update and delete to the request's
// business_id whenever the model carries that column. Counting sessions,
// incidents and adjustment batches of one tenant must never leak into
// another tenant's responses, even when a handler forgets the Where clause.
//
// Raw SQL bypasses gorm callbacks, so snapshot/aggregate queries written as
// db.Raw must filter business_id themselves. Admin and internal jobs opt out
// through explicit context flags.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Query().Before("gorm:query").Register("tenant_guard:query", applyTenantScope); err != nil {
		return err
	}
	if err := db.Callback().Row().Before("gorm:row").Register("tenant_guard:row", applyTenantScope); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("tenant_guard:update", applyTenantScope); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("tenant_guard:delete", applyTenantScope); err != nil {
		return err
	}
	return nil
}

func applyTenantScope(db *gorm.DB) {
	if db == nil || db.Statement == nil || db.Statement.Schema == nil {
		return
	}
	ctx := db.Statement.Context
	if ctx == nil || tenantScopeBypassed(ctx) {
		return
	}
	businessID := tenantFromContext(ctx)
	if businessID == "" {
		return
	}
	if db.Statement.Schema.LookUpField("business_id") == nil {
		return
	}
	// An explicit tenant filter wins; don't stack a second one.
	if clauseFiltersTenant(db.Statement.Clauses["WHERE"]) {
		return
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: "business_id"},
				Value:  businessID,
			},
		},
	})
}

func tenantFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(appctx.ContextKeyBusinessId).(string); ok {
		return v
	}
	return ""
}

func tenantScopeBypassed(ctx context.Context) bool {
	if v, ok := ctx.Value(appctx.ContextKeySkipTenantScope).(bool); ok && v {
		return true
	}
	if v, ok := ctx.Value(appctx.ContextKeyIsAdmin).(bool); ok && v {
		return true
	}
	return false
}

func clauseFiltersTenant(c clause.Clause) bool {
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprFiltersTenant(e) {
			return true
		}
	}
	return false
}

func exprFiltersTenant(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return columnIsTenant(v.Column)
	case clause.Neq:
		return columnIsTenant(v.Column)
	case clause.IN:
		return columnIsTenant(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprFiltersTenant(x) {
				return true
			}
		}
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if exprFiltersTenant(x) {
				return true
			}
		}
	case clause.Expr:
		// Best-effort for string conditions like "business_id = ? AND id = ?".
		return strings.Contains(strings.ToLower(v.SQL), "business_id")
	}
	return false
}

func columnIsTenant(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, "business_id")
	case clause.Column:
		return strings.EqualFold(c.Name, "business_id")
	default:
		return false
	}
}
