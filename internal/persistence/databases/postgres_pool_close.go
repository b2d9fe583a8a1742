package databases

import "github.com/jackc/pgx/v5/pgxpool"

// Close allows pg-backed structs to be closed via Manager.Close's type-assertion helper.
func (p *pgSearch) Close()   { p.pool.Close() }
func (p *pgVector) Close()   { p.pool.Close() }
func (p *pgKnowledge) Close() { p.pool.Close() }
func (p *pgStrategy) Close()  { p.pool.Close() }
func (p *pgEvent) Close()     { p.pool.Close() }
func (p *pgOutcome) Close()   { p.pool.Close() }
func (p *pgAudit) Close()     { p.pool.Close() }

// Ensure pgxpool is referenced where needed to avoid unused import pruning
var _ *pgxpool.Pool
