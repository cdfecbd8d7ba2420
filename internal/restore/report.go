package restore

type Status string

const (
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusSkipped     Status = "skipped"
	StatusCompensated Status = "compensated"
)

const (
	StepDatabase        = "database"
	StepThemeExtract    = "theme-extract"
	StepPluginsExtract  = "plugins-extract"
	StepThemeActivate   = "theme-activate"
	StepPluginsActivate = "plugins-activate"
)

type StepResult struct {
	Name    string   `json:"name"`
	Status  Status   `json:"status"`
	Error   string   `json:"error,omitempty"`
	Details []string `json:"details,omitempty"`
}

type Report struct {
	Mode    string       `json:"mode"`
	Success bool         `json:"success"`
	Steps   []StepResult `json:"steps"`
	Ignored []string     `json:"ignored,omitempty"`
}

// OK reports whether no step failed or had to be rolled back.
func (r *Report) OK() bool {
	for _, step := range r.Steps {
		if step.Status == StatusFailed || step.Status == StatusCompensated {
			return false
		}
	}
	return true
}

func (r *Report) Step(name string) (StepResult, bool) {
	for _, step := range r.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return StepResult{}, false
}
