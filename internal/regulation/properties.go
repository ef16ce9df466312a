package regulation

// OnewayProperties describes the emitted coordinate order of a one-way feature
func OnewayProperties(dir DirectionCode, rawDirection string) map[string]interface{} {
	props := map[string]interface{}{
		"is_oneway":        true,
		"oneway_preserved": true,
		"regulation_code":  OnewayCode,
	}

	switch dir {
	case DirectionProhibited:
		props["direction_code_type"] = "prohibited"
		props["direction_code_value"] = "1"
		props["coordinate_order"] = "original"
		props["start_point_type"] = "entry_prohibited"
		props["end_point_type"] = "oneway_start"
	case DirectionDesignated:
		props["direction_code_type"] = "designated"
		props["direction_code_value"] = "2"
		props["coordinate_order"] = "reversed"
		props["start_point_type"] = "entry_prohibited"
		props["end_point_type"] = "oneway_start"
	default:
		value := rawDirection
		if value == "" {
			value = "none"
		}
		props["direction_code_type"] = "unknown"
		props["direction_code_value"] = value
		props["coordinate_order"] = "unknown"
		props["start_point_type"] = "unknown"
		props["end_point_type"] = "unknown"
	}

	return props
}
