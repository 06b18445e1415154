// Package config holds named numeric configurations for transformed models.
//
// A configuration is either a builtin (BASELINE, BASIC) or a CUE file
// <configs>/<NAME>.cue giving explicit per-path module settings and
// type/name rules:
//
//	model: {"block.attn.q_proj": {weight_format: "INT8"}}
//	rules: [{module_types: ["Linear"], name_re: "block\\.mlp\\.", config: {input_format: "BF16"}}]
//
// Project defaults (configs directory, run store, log level) come from an
// optional fxaware.toml found by walking up from the working directory.
package config
