package tenant

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/tinyhost/kvmengine/internal/domain"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func nameHash(name string) uint32 {
	return crc32.Checksum([]byte(name), crc32cTable)
}

// groupKeys are the domain.Group JSON field names a group or tenant
// object may set (§4.7: "each tenant entry may inherit from a named
// group and override fields" — the same keys apply in both places).
var groupKeys = map[string]bool{
	"max_boot_time": true, "max_req_time": true, "max_storage_time": true,
	"max_queue_time": true, "max_address_space": true, "max_main_memory": true,
	"max_req_memory": true, "limit_req_memory": true, "shared_memory": true,
	"max_concurrency": true, "max_smp": true, "max_regex": true, "max_fd": true,
	"hugepages": true, "transparent_hugepages": true, "split_hugepages": true,
	"relocate_fixed_mmap": true, "vmem_heap_executable": true,
	"ephemeral_keep_working_memory": true, "environ": true,
	"self_request_max_concurrency": true,
}

// tenantOnlyKeys are recognized but never applied to the Group.
var tenantOnlyKeys = map[string]bool{
	"group": true, "filename": true, "uri": true,
	"integrity_hash_algo": true, "integrity_hash_hex": true, "access_key": true,
	"allow_debug": true, "control_ephemeral": true, "ephemeral_default": true,
	"storage_enabled": true, "allowed_paths": true, "vmem_remappings": true,
	"warmup": true,
}

// isTenant mirrors the original loader's heuristic (tenant.cpp's
// is_tenant): an object naming a group, filename, or uri is a tenant;
// anything else is a group definition.
func isTenant(fields map[string]json.RawMessage) bool {
	_, hasGroup := fields["group"]
	_, hasFilename := fields["filename"]
	_, hasURI := fields["uri"]
	return hasGroup || hasFilename || hasURI
}

// ManifestDocument is the parsed, fully-resolved result of loading a
// tenant manifest: every tenant's Group already has its inheritance and
// overrides applied.
type ManifestDocument struct {
	Tenants []*domain.TenantConfig
	// UnknownKeys collects "object name: key" pairs for keys neither a
	// known Group field nor a known tenant-only field (§4.7: "logged
	// but not fatal").
	UnknownKeys []string
}

// ParseManifest decodes a tenant manifest (§4.7): a flat JSON object
// whose entries are either named groups or named tenants, determined
// by isTenant. The "test" group always exists with domain.DefaultGroup
// defaults, even if the manifest never mentions it.
func ParseManifest(raw []byte) (*ManifestDocument, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("tenant: parse manifest: %w", err)
	}

	doc := &ManifestDocument{}
	groups := map[string]domain.Group{"test": domain.DefaultGroup()}

	names := make([]string, 0, len(top))
	for name := range top {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic regardless of map iteration order

	fieldsByName := make(map[string]map[string]json.RawMessage, len(names))
	for _, name := range names {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(top[name], &fields); err != nil {
			return nil, fmt.Errorf("tenant: parse entry %q: %w", name, err)
		}
		fieldsByName[name] = fields
	}

	// Pass 1: group definitions, so every tenant in pass 2 can inherit
	// from a group regardless of declaration order in the manifest.
	for _, name := range names {
		fields := fieldsByName[name]
		if isTenant(fields) {
			continue
		}
		base := groups[name]
		if base.Name == "" {
			base = domain.DefaultGroup()
		}
		base.Name = name
		merged, unknown, err := applyGroupFields(base, fields)
		if err != nil {
			return nil, fmt.Errorf("tenant: group %q: %w", name, err)
		}
		groups[name] = merged
		for _, k := range unknown {
			doc.UnknownKeys = append(doc.UnknownKeys, name+": "+k)
		}
	}

	// Pass 2: tenant definitions, cloning their group then applying any
	// tenant-local overrides of the same fields.
	seen := map[uint32]string{}
	for _, name := range names {
		fields := fieldsByName[name]
		if !isTenant(fields) {
			continue
		}
		groupName := "test"
		if raw, ok := fields["group"]; ok {
			if err := json.Unmarshal(raw, &groupName); err != nil {
				return nil, fmt.Errorf("tenant: %q: group: %w", name, err)
			}
		}
		base, ok := groups[groupName]
		if !ok {
			return nil, fmt.Errorf("tenant: %q: unknown group %q", name, groupName)
		}
		group, unknown, err := applyGroupFields(base, fields)
		if err != nil {
			return nil, fmt.Errorf("tenant: %q: %w", name, err)
		}
		group.Name = groupName
		for _, k := range unknown {
			doc.UnknownKeys = append(doc.UnknownKeys, name+": "+k)
		}

		cfg := &domain.TenantConfig{
			Name:     name,
			NameHash: nameHash(name),
			Group:    group,
		}
		if raw, ok := fields["filename"]; ok {
			json.Unmarshal(raw, &cfg.Filename)
		}
		if raw, ok := fields["uri"]; ok {
			json.Unmarshal(raw, &cfg.URI)
		}
		if raw, ok := fields["access_key"]; ok {
			json.Unmarshal(raw, &cfg.AccessKey)
		}
		if raw, ok := fields["allow_debug"]; ok {
			json.Unmarshal(raw, &cfg.AllowDebug)
		}
		if raw, ok := fields["control_ephemeral"]; ok {
			json.Unmarshal(raw, &cfg.ControlEphemeral)
		}
		if raw, ok := fields["ephemeral_default"]; ok {
			json.Unmarshal(raw, &cfg.EphemeralDefault)
		}
		if raw, ok := fields["storage_enabled"]; ok {
			json.Unmarshal(raw, &cfg.StorageEnabled)
		}
		if raw, ok := fields["allowed_paths"]; ok {
			json.Unmarshal(raw, &cfg.AllowedPaths)
		}
		if raw, ok := fields["vmem_remappings"]; ok {
			json.Unmarshal(raw, &cfg.VmemRemappings)
		}
		if raw, ok := fields["warmup"]; ok {
			var w domain.Warmup
			if err := json.Unmarshal(raw, &w); err != nil {
				return nil, fmt.Errorf("tenant: %q: warmup: %w", name, err)
			}
			cfg.Warmup = &w
		}
		if raw, ok := fields["integrity_hash_algo"]; ok {
			var algo string
			json.Unmarshal(raw, &algo)
			switch algo {
			case "sha256":
				cfg.IntegrityHashAlgo = domain.HashSHA256
			case "md5":
				cfg.IntegrityHashAlgo = domain.HashMD5
			}
		}
		if raw, ok := fields["integrity_hash_hex"]; ok {
			json.Unmarshal(raw, &cfg.IntegrityHashHex)
		}

		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("tenant: %q: %w", name, err)
		}
		if other, dup := seen[cfg.NameHash]; dup {
			return nil, fmt.Errorf("tenant: %q: %w (collides with %q)", name, domain.ErrNameHashCollision, other)
		}
		seen[cfg.NameHash] = name

		doc.Tenants = append(doc.Tenants, cfg)
	}
	return doc, nil
}

// applyGroupFields merges fields recognized as Group keys onto base,
// via a marshal/patch/unmarshal round trip rather than a hand-written
// switch per field — base already carries every default, so only keys
// actually present in fields need to move. Keys that are neither a
// known Group field nor a known tenant-only field are returned as
// "unknown" for the caller to log.
func applyGroupFields(base domain.Group, fields map[string]json.RawMessage) (domain.Group, []string, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return base, nil, err
	}
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(baseJSON, &patch); err != nil {
		return base, nil, err
	}

	var unknown []string
	for key, raw := range fields {
		switch {
		case groupKeys[key]:
			patch[key] = raw
		case tenantOnlyKeys[key]:
			// applied by the tenant-specific pass, not here
		default:
			unknown = append(unknown, key)
		}
	}

	merged, err := json.Marshal(patch)
	if err != nil {
		return base, unknown, err
	}
	var out domain.Group
	if err := json.Unmarshal(merged, &out); err != nil {
		return base, unknown, fmt.Errorf("decode merged group: %w", err)
	}
	out.Name = base.Name
	return out, unknown, nil
}
