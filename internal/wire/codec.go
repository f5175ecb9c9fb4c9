package wire

import "encoding/json"

// jsonEnvelope is the over-the-wire shape used by JSONSerializer, a default
// stand-in implementation of the opaque Serializer boundary. A real
// deployment links against the IDL-generated protocol buffer library
// instead; this implementation exists only so
// the core compiles and tests end-to-end without that external dependency.
type jsonEnvelope struct {
	ID      uint32          `json:"id,omitempty"`
	Domain  Domain          `json:"domain"`
	Opcode  Opcode          `json:"opcode"`
	Status  Status          `json:"status,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JSONSerializer implements Serializer by JSON-encoding envelopes. Payload
// values round-trip through their Go struct field names.
type JSONSerializer struct{}

func (JSONSerializer) SerializeRequest(req *RequestEnvelope) ([]byte, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonEnvelope{
		ID:      req.ID,
		Domain:  req.Domain,
		Opcode:  req.Opcode,
		Payload: payload,
	})
}

func (JSONSerializer) DeserializeResponse(data []byte) (*ResponseEnvelope, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	payload, err := decodePayload(env.Opcode, env.Payload)
	if err != nil {
		return nil, err
	}
	return &ResponseEnvelope{ID: env.ID, Status: env.Status, Payload: payload}, nil
}

func (JSONSerializer) DeserializeNotification(data []byte) (*Notification, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	payload, err := decodePayload(env.Opcode, env.Payload)
	if err != nil {
		return nil, err
	}
	return &Notification{Domain: env.Domain, Opcode: env.Opcode, Payload: payload}, nil
}

func decodePayload(op Opcode, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var target Payload
	switch op {
	case OpcodeHello:
		target = &HelloPayload{}
	case OpcodeBegin:
		target = &BeginPayload{}
	case OpcodeDeviceInfo:
		target = &DeviceInfoPayload{}
	case OpcodeUJTConfigWrite:
		target = &UJTConfigWritePayload{}
	case OpcodeDFUStatus:
		target = &DFUStatusResponse{}
	case OpcodeDFUPrepare:
		target = &DFUPrepareRequest{}
	case OpcodeDFUWrite:
		target = &DFUWriteResponse{}
	case OpcodeDFUExecute:
		target = &DFUExecuteRequest{}
	case OpcodeListModules:
		target = &ListModulesResponse{}
	case OpcodeUnloadModule:
		target = &UnloadModuleRequest{}
	case OpcodeBatteryStatus:
		target = &BatteryStatusResponse{}
	case OpcodeAnnounceAttach:
		target = &AttachNotificationPayload{}
	case OpcodeAnnounceDetach:
		target = &DetachNotificationPayload{}
	case OpcodeDFUExecuteNotification:
		target = &DFUExecuteNotificationPayload{}
	default:
		return nil, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, err
	}
	return target, nil
}
