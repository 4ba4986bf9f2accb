package tele

import (
	proto "github.com/golang/protobuf/proto"
)

//go:generate protoc --go_out=paths=source_relative:./ uplink.proto

type Telemetry struct {
	Time                 int64    `protobuf:"varint,1,opt,name=time,proto3" json:"time,omitempty"`
	Session              string   `protobuf:"bytes,2,opt,name=session,proto3" json:"session,omitempty"`
	Device               string   `protobuf:"bytes,3,opt,name=device,proto3" json:"device,omitempty"`
	Variant              uint32   `protobuf:"varint,4,opt,name=variant,proto3" json:"variant,omitempty"`
	Voltage              float32  `protobuf:"fixed32,5,opt,name=voltage,proto3" json:"voltage,omitempty"`
	Current              float32  `protobuf:"fixed32,6,opt,name=current,proto3" json:"current,omitempty"`
	Throttle             float32  `protobuf:"fixed32,7,opt,name=throttle,proto3" json:"throttle,omitempty"`
	BatteryState         uint32   `protobuf:"varint,8,opt,name=battery_state,json=batteryState,proto3" json:"battery_state,omitempty"`
	Rpm                  uint32   `protobuf:"varint,9,opt,name=rpm,proto3" json:"rpm,omitempty"`
	EscVoltage           float32  `protobuf:"fixed32,10,opt,name=esc_voltage,json=escVoltage,proto3" json:"esc_voltage,omitempty"`
	EscCurrent           uint32   `protobuf:"varint,11,opt,name=esc_current,json=escCurrent,proto3" json:"esc_current,omitempty"`
	TempC                uint32   `protobuf:"varint,12,opt,name=temp_c,json=tempC,proto3" json:"temp_c,omitempty"`
	EscStatus            uint32   `protobuf:"varint,13,opt,name=esc_status,json=escStatus,proto3" json:"esc_status,omitempty"`
	Stress               uint32   `protobuf:"varint,14,opt,name=stress,proto3" json:"stress,omitempty"`
	Skipped              uint32   `protobuf:"varint,15,opt,name=skipped,proto3" json:"skipped,omitempty"`
	XXX_NoUnkeyedLiteral struct{} `json:"-"`
	XXX_unrecognized     []byte   `json:"-"`
	XXX_sizecache        int32    `json:"-"`
}

func (m *Telemetry) Reset()         { *m = Telemetry{} }
func (m *Telemetry) String() string { return proto.CompactTextString(m) }
func (*Telemetry) ProtoMessage()    {}

type BatteryEvent struct {
	Time                 int64    `protobuf:"varint,1,opt,name=time,proto3" json:"time,omitempty"`
	Session              string   `protobuf:"bytes,2,opt,name=session,proto3" json:"session,omitempty"`
	Device               string   `protobuf:"bytes,3,opt,name=device,proto3" json:"device,omitempty"`
	Prev                 uint32   `protobuf:"varint,4,opt,name=prev,proto3" json:"prev,omitempty"`
	State                uint32   `protobuf:"varint,5,opt,name=state,proto3" json:"state,omitempty"`
	Voltage              float32  `protobuf:"fixed32,6,opt,name=voltage,proto3" json:"voltage,omitempty"`
	XXX_NoUnkeyedLiteral struct{} `json:"-"`
	XXX_unrecognized     []byte   `json:"-"`
	XXX_sizecache        int32    `json:"-"`
}

func (m *BatteryEvent) Reset()         { *m = BatteryEvent{} }
func (m *BatteryEvent) String() string { return proto.CompactTextString(m) }
func (*BatteryEvent) ProtoMessage()    {}

type LinkEvent struct {
	Time                 int64    `protobuf:"varint,1,opt,name=time,proto3" json:"time,omitempty"`
	Session              string   `protobuf:"bytes,2,opt,name=session,proto3" json:"session,omitempty"`
	Device               string   `protobuf:"bytes,3,opt,name=device,proto3" json:"device,omitempty"`
	Name                 string   `protobuf:"bytes,4,opt,name=name,proto3" json:"name,omitempty"`
	Connected            bool     `protobuf:"varint,5,opt,name=connected,proto3" json:"connected,omitempty"`
	Unexpected           bool     `protobuf:"varint,6,opt,name=unexpected,proto3" json:"unexpected,omitempty"`
	XXX_NoUnkeyedLiteral struct{} `json:"-"`
	XXX_unrecognized     []byte   `json:"-"`
	XXX_sizecache        int32    `json:"-"`
}

func (m *LinkEvent) Reset()         { *m = LinkEvent{} }
func (m *LinkEvent) String() string { return proto.CompactTextString(m) }
func (*LinkEvent) ProtoMessage()    {}

type Error struct {
	Time                 int64    `protobuf:"varint,1,opt,name=time,proto3" json:"time,omitempty"`
	Session              string   `protobuf:"bytes,2,opt,name=session,proto3" json:"session,omitempty"`
	Message              string   `protobuf:"bytes,3,opt,name=message,proto3" json:"message,omitempty"`
	BuildVersion         string   `protobuf:"bytes,4,opt,name=build_version,json=buildVersion,proto3" json:"build_version,omitempty"`
	XXX_NoUnkeyedLiteral struct{} `json:"-"`
	XXX_unrecognized     []byte   `json:"-"`
	XXX_sizecache        int32    `json:"-"`
}

func (m *Error) Reset()         { *m = Error{} }
func (m *Error) String() string { return proto.CompactTextString(m) }
func (*Error) ProtoMessage()    {}
