package event

// defaultSlots is the compiled-in name table.
var defaultSlots = func() [NumSlots]Entry {
	var slots [NumSlots]Entry
	for _, d := range []struct {
		slot uint8
		name string
		put  PutType
	}{
		{0, "Magic Number", PutNull},
		{1, "Event Name", PutString},
		{2, "File I/O", PutString},
		{3, "User Interaction", PutNull},
		{4, "State System Trace", PutString},
		{5, "Parameter Set", PutString},
		// 6-15 reserved
		{16, "Time Stamped Spike", PutLong},
		{17, "DIS-1 Hardware Spike", PutLong},
		{18, "Name", PutString},
		{19, "Start Obs Period", PutLong},
		{20, "End Obs Period", PutLong},
		{21, "ISI", PutLong},
		{22, "Trial Type", PutLong},
		{23, "Obs Period Type", PutLong},
		{24, "EM Log", PutLong},
		{25, "Fixspot", PutFloat},
		{26, "EM Params", PutFloat},
		{27, "Stimulus", PutLong},
		{28, "Pattern", PutLong},
		{29, "Stimulus Type", PutLong},
		{30, "Sample", PutLong},
		{31, "Probe", PutLong},
		{32, "Cue", PutLong},
		{33, "Target", PutLong},
		{34, "Distractor", PutLong},
		{35, "Sound Event", PutLong},
		{36, "Fixation", PutLong},
		{37, "Response", PutLong},
		{38, "Saccade", PutLong},
		{39, "Decide", PutLong},
		{40, "EOT", PutLong},
		{41, "Abort", PutLong},
		{42, "Reward", PutLong},
		{43, "Delay", PutLong},
		{44, "Punish", PutLong},
		{45, "Physio Params", PutFloat},
		{46, "Mri", PutLong},
		{47, "Stimulator Signal", PutLong},
		// 48-127 system, 128-255 user
		{128, "Target Name", PutString},
		{129, "Scene Name", PutString},
		{130, "Saccade Data", PutFloat},
		{131, "Stimulus Trigger", PutFloat},
		{132, "Movie Name", PutString},
		{133, "Electrical Stimulation", PutLong},
		{134, "Second Chance", PutLong},
		{135, "Second Response", PutLong},
		{136, "Swap Buffer", PutFloat},
		{137, "Stim Data", PutString},
		{138, "Digital Input Status", PutLong},
	} {
		slots[d.slot] = Entry{Name: d.name, TimeType: DefaultTimeType, PutType: d.put}
	}
	return slots
}()
