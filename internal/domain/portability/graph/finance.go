package graph

import "sync"

// Document keys of the finance tracker graph.
const (
	UserPreferences          = "userPreferences"
	Categories               = "categories"
	Accounts                 = "accounts"
	AccountFieldMappings     = "accountFieldMappings"
	TransactionImports       = "transactionImports"
	StatementImports         = "statementImports"
	ReconciliationSessions   = "reconciliationSessions"
	CategoryKeywordRules     = "categoryKeywordRules"
	CategoryMatchingFeedback = "categoryMatchingFeedback"
	Transactions             = "transactions"
	StatementLines           = "statementLines"
	ReconciliationMatches    = "reconciliationMatches"
)

func text(name string) Column      { return Column{Name: name, Kind: KindText} }
func reqText(name string) Column   { return Column{Name: name, Kind: KindText, Required: true} }
func number(name string) Column    { return Column{Name: name, Kind: KindNumber} }
func reqNumber(name string) Column { return Column{Name: name, Kind: KindNumber, Required: true} }
func integer(name string) Column   { return Column{Name: name, Kind: KindInteger} }
func boolean(name string) Column   { return Column{Name: name, Kind: KindBool} }

var finance = sync.OnceValue(func() *Descriptor {
	return MustNew(
		Entity{
			Key: UserPreferences, Table: "user_preferences", PrimaryKey: "preference_id", Rank: 0,
			Columns: []Column{reqText("preference_key"), text("preference_value"), text("updated_at")},
		},
		Entity{
			Key: Categories, Table: "categories", PrimaryKey: "category_id", Rank: 1,
			Columns: []Column{
				reqText("category_name"), text("parent_category_id"), number("budgeted_amount"),
				integer("display_order"), text("created_at"),
			},
			Refs: []Ref{{Column: "parent_category_id", Target: Categories, Optional: true}},
		},
		Entity{
			Key: Accounts, Table: "accounts", PrimaryKey: "account_id", Rank: 1,
			Columns: []Column{
				reqText("account_name"), text("account_type"), text("account_class"),
				number("opening_balance"), number("current_balance"), boolean("positive_is_credit"),
				text("last_balance_update"), text("created_at"),
			},
		},
		Entity{
			Key: AccountFieldMappings, Table: "account_field_mappings", PrimaryKey: "mapping_id", Rank: 2,
			Columns: []Column{reqText("account_id"), reqText("field_name"), reqText("csv_header")},
			Refs:    []Ref{{Column: "account_id", Target: Accounts}},
		},
		Entity{
			Key: TransactionImports, Table: "transaction_imports", PrimaryKey: "id", Rank: 2,
			Columns: []Column{text("account_id"), text("import_date"), text("status"), text("error_message")},
			Refs:    []Ref{{Column: "account_id", Target: Accounts, Optional: true}},
		},
		Entity{
			Key: StatementImports, Table: "statement_imports", PrimaryKey: "import_id", Rank: 2,
			Columns: []Column{
				reqText("account_id"), text("source_filename"), text("source_hash"), text("bank_name"),
				text("statement_from"), text("statement_to"), number("opening_balance"),
				number("closing_balance"), text("status"), text("integrity_status"),
				text("integrity_notes"), text("statement_name"), text("created_at"), text("updated_at"),
			},
			Refs: []Ref{{Column: "account_id", Target: Accounts}},
		},
		Entity{
			Key: ReconciliationSessions, Table: "reconciliation_sessions", PrimaryKey: "session_id", Rank: 2,
			Columns: []Column{
				reqText("account_id"), text("period_start"), text("period_end"), number("start_balance"),
				number("closing_balance"), text("status"), text("params_json"), text("run_started"),
				text("created_at"),
			},
			Refs: []Ref{{Column: "account_id", Target: Accounts}},
		},
		Entity{
			Key: CategoryKeywordRules, Table: "category_keyword_rules", PrimaryKey: "id", Rank: 2,
			Columns: []Column{reqText("keyword"), reqText("category_id"), text("created_at"), text("updated_at")},
			Refs:    []Ref{{Column: "category_id", Target: Categories}},
		},
		Entity{
			Key: CategoryMatchingFeedback, Table: "category_matching_feedback", PrimaryKey: "id", Rank: 2,
			Columns: []Column{
				reqText("description"), number("amount"), text("suggested_category_id"),
				reqText("actual_category_id"), number("confidence_score"), boolean("accepted"),
				text("feedback_timestamp"),
			},
			Refs: []Ref{
				{Column: "suggested_category_id", Target: Categories, Optional: true},
				{Column: "actual_category_id", Target: Categories},
			},
		},
		Entity{
			Key: Transactions, Table: "transactions", PrimaryKey: "transaction_id", Rank: 3,
			Columns: []Column{
				reqText("account_id"), text("category_id"), text("import_id"), reqText("transaction_date"),
				text("description"), number("amount"), reqNumber("signed_amount"),
				text("transaction_type"), boolean("is_transfer"), text("created_at"),
			},
			Refs: []Ref{
				{Column: "account_id", Target: Accounts},
				{Column: "category_id", Target: Categories, Optional: true},
				{Column: "import_id", Target: TransactionImports, Optional: true},
			},
		},
		Entity{
			Key: StatementLines, Table: "statement_lines", PrimaryKey: "statement_line_id", Rank: 3,
			Columns: []Column{
				reqText("import_id"), text("account_id"), text("txn_date"), number("raw_amount"),
				number("signed_amount"), text("transaction_type_norm"), text("description"),
				text("description_norm"), text("bank_reference"), text("bank_fitid"),
				text("dedupe_hash"), text("raw_row_json"), text("created_at"),
			},
			Refs: []Ref{
				{Column: "import_id", Target: StatementImports},
				{Column: "account_id", Target: Accounts, Optional: true},
			},
		},
		Entity{
			Key: ReconciliationMatches, Table: "reconciliation_matches", PrimaryKey: "match_id", Rank: 4,
			Columns: []Column{
				reqText("session_id"), text("account_id"), reqText("transaction_id"),
				reqText("statement_line_id"), number("confidence"), text("rule"), text("matched_by"),
				boolean("active"), text("matched_at"),
			},
			Refs: []Ref{
				{Column: "session_id", Target: ReconciliationSessions},
				{Column: "account_id", Target: Accounts, Optional: true},
				{Column: "transaction_id", Target: Transactions},
				{Column: "statement_line_id", Target: StatementLines},
			},
		},
	)
})

// Finance returns the finance tracker graph. It is built once per process.
func Finance() *Descriptor {
	return finance()
}
