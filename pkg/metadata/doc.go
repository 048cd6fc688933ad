// Package metadata loads deployment task definitions from release
// directories and evaluates task conditions.
//
// # Release layout
//
//	<dir>/<release>/*.yaml          base tasks, file name order
//	<dir>/<release>/roles/<r>.yaml  tasks contributed for role r
//
// Every file holds a single document with a "tasks" list:
//
//	tasks:
//	  - id: hiera
//	    type: exec
//	    roles: ["*"]
//	    stage: pre_deployment
//	    parameters:
//	      cmd: ln -sf /etc/hiera.yaml /etc/puppet/hiera.yaml
//	  - id: ceph-osd
//	    type: puppet
//	    roles: [ceph-osd]
//	    requires: [hiera]
//	    condition: truthy(attr("storage.ceph"))
//	    timeout: 30m
//	    parameters:
//	      puppet_manifest: /etc/puppet/modules/osnailyfacter/modular/ceph/osd.pp
//	      puppet_modules: /etc/puppet/modules
//
// Files are decoded strictly with yaml.v3, checked with go-playground
// validator and then against the CUE #Task definition before they are
// converted to engine tasks. Loader implements engine.MetadataProvider and
// caches releases until Invalidate is called or Watch sees a change.
//
// StarlarkEvaluator implements engine.ConditionEvaluator.
package metadata
