// Package source loads compliance rules and workflow definitions from
// YAML files.
//
// A rule file holds two top-level lists:
//
//	rules:
//	  - id: attendance-low
//	    name: Low attendance
//	    condition:
//	      metric: attendance_rate
//	      operator: "<"
//	      threshold: 75
//	    intervention_type: attendance_support
//	    priority: 10
//	    active: true
//	    cooldown_window: 24h
//	workflows:
//	  - type: attendance_support
//	    steps:
//	      - number: 1
//	        name: Notify advisor
//	        required: true
//
// FileSource reads a single file or every .yaml/.yml file in a
// directory. Watcher reloads on file change with debouncing, and a
// load error leaves the previously loaded set in place.
package source
