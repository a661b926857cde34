// Meridian is a compliance automation service for education providers.
//
// It evaluates compliance rules against metric snapshots, opens and
// tracks intervention cases through defined workflow steps, keeps a
// hash-chained audit log of every mutation, and reports the measured
// impact of closed cases.
//
// Usage:
//
//	# Start the service with default configuration
//	meridian run
//
//	# Start with a custom configuration file
//	meridian run --config /etc/meridian/config.yaml
//
//	# Validate rule files without starting the service
//	meridian rules validate --rules rules.yaml
//
//	# Export the audit log
//	meridian audit export --format json --out audit.json
//
//	# Verify the audit hash chain
//	meridian audit verify
//
//	# Show version information
//	meridian version
package main

func main() {
	Execute()
}
