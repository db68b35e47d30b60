package attach

// Kprobe attaches programs to kernel function entry or return. The target
// is the probed function's name; the kind distinguishes entry from
// return probes.
type Kprobe struct {
	bindings
	function string
	ret      bool
}

// NewKprobe creates a probe on function entry (ret=false) or return
// (ret=true). The function name must be non-empty.
func NewKprobe(function string, ret bool) (*Kprobe, error) {
	if function == "" {
		return nil, &InvalidTargetError{Target: function}
	}
	return &Kprobe{bindings: newBindings(), function: function, ret: ret}, nil
}

// Kind returns KindKprobe or KindKretprobe.
func (k *Kprobe) Kind() Kind {
	if k.ret {
		return KindKretprobe
	}
	return KindKprobe
}

// Target returns the probed function name.
func (k *Kprobe) Target() string { return k.function }

// Function returns the probed function name.
func (k *Kprobe) Function() string { return k.function }
