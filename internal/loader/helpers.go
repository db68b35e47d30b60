package loader

// helperIDs is the stable helper-name to id table. Ids 1-50 mirror the
// upstream eBPF helpers, 130-134 are the ring buffer helpers, and 200-202
// are the robotics-private range. This table and the dispatch ids in
// internal/interp are the same ABI; neither may renumber.
var helperIDs = map[string]int32{
	"bpf_map_lookup_elem":            1,
	"bpf_map_update_elem":            2,
	"bpf_map_delete_elem":            3,
	"bpf_probe_read":                 4,
	"bpf_ktime_get_ns":               5,
	"bpf_trace_printk":               6,
	"bpf_get_prandom_u32":            7,
	"bpf_get_smp_processor_id":       8,
	"bpf_skb_store_bytes":            9,
	"bpf_l3_csum_replace":            10,
	"bpf_l4_csum_replace":            11,
	"bpf_tail_call":                  12,
	"bpf_clone_redirect":             13,
	"bpf_get_current_pid_tgid":       14,
	"bpf_get_current_uid_gid":        15,
	"bpf_get_current_comm":           16,
	"bpf_get_cgroup_classid":         17,
	"bpf_skb_vlan_push":              18,
	"bpf_skb_vlan_pop":               19,
	"bpf_skb_get_tunnel_key":         20,
	"bpf_skb_set_tunnel_key":         21,
	"bpf_perf_event_read":            22,
	"bpf_redirect":                   23,
	"bpf_get_route_realm":            24,
	"bpf_perf_event_output":          25,
	"bpf_skb_load_bytes":             26,
	"bpf_get_stackid":                27,
	"bpf_csum_diff":                  28,
	"bpf_skb_get_tunnel_opt":         29,
	"bpf_skb_set_tunnel_opt":         30,
	"bpf_skb_change_proto":           31,
	"bpf_skb_change_type":            32,
	"bpf_skb_under_cgroup":           33,
	"bpf_get_hash_recalc":            34,
	"bpf_get_current_task":           35,
	"bpf_probe_write_user":           36,
	"bpf_current_task_under_cgroup":  37,
	"bpf_skb_change_tail":            38,
	"bpf_skb_pull_data":              39,
	"bpf_csum_update":                40,
	"bpf_set_hash_invalid":           41,
	"bpf_get_numa_node_id":           42,
	"bpf_skb_change_head":            43,
	"bpf_xdp_adjust_head":            44,
	"bpf_probe_read_str":             45,
	"bpf_get_socket_cookie":          46,
	"bpf_get_socket_uid":             47,
	"bpf_set_hash":                   48,
	"bpf_setsockopt":                 49,
	"bpf_skb_adjust_room":            50,

	"bpf_ringbuf_output":  130,
	"bpf_ringbuf_reserve": 131,
	"bpf_ringbuf_submit":  132,
	"bpf_ringbuf_discard": 133,
	"bpf_ringbuf_query":   134,

	"bpf_motor_emergency_stop":  200,
	"bpf_timeseries_push":       201,
	"bpf_sensor_last_timestamp": 202,
}

// HelperID resolves a helper name to its numeric id. Unknown names report
// false, and the relocator leaves the instruction untouched.
func HelperID(name string) (int32, bool) {
	id, ok := helperIDs[name]
	return id, ok
}
