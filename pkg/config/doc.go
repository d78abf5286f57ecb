// Package config loads ledger budgets from YAML files and applies
// them to an engine.
//
// Budget files bind ledgers to budgets declaratively:
//
//	budgets:
//	  - namespace: openai
//	    resource: gpt-4
//	    principal: user:1
//	    max_spend: "10.00"
//	    window: 1h
//	  - namespace: infra
//	    resource: compute
//	    max_spend: "500"
//	    mode: soft
//	    on_store_error: fail_open
//
// Load parses and validates the whole file before anything is
// applied, so a bad entry never partially registers. The Watcher adds
// hot reload: it re-applies the file on change and keeps the last
// good budgets when a reload fails.
package config
