// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"runtime"
	"time"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/driftwood-db/mongowire/address"
	"github.com/driftwood-db/mongowire/internal/description"
)

const driverName = "mongowire"
const driverVersion = "0.1.0"

// buildHelloCommand assembles the hello handshake document (spec.md §4.2
// "Build client document"). When tv is non-nil the command requests an
// awaitable hello for the streaming monitor (spec.md §4.5).
func buildHelloCommand(appName string, compressors []string, tv *description.TopologyVersion, maxAwaitTimeMS int64) bsoncore.Document {
	b := bsoncore.NewDocumentBuilder().
		AppendInt32("hello", 1).
		AppendBoolean("helloOk", true)

	client := bsoncore.NewDocumentBuilder()
	if appName != "" {
		appDoc := bsoncore.NewDocumentBuilder().AppendString("name", appName).Build()
		client = client.AppendDocument("application", appDoc)
	}
	client = client.AppendDocument("driver", bsoncore.NewDocumentBuilder().
		AppendString("name", driverName).
		AppendString("version", driverVersion).
		Build())
	client = client.AppendDocument("os", bsoncore.NewDocumentBuilder().
		AppendString("type", runtime.GOOS).
		AppendString("architecture", runtime.GOARCH).
		Build())
	client = client.AppendString("platform", "go"+runtime.Version())
	b = b.AppendDocument("client", client.Build())

	if len(compressors) > 0 {
		arr := bsoncore.NewArrayBuilder()
		for _, c := range compressors {
			arr = arr.AppendString(c)
		}
		b = b.AppendArray("compression", arr.Build())
	}

	if tv != nil {
		tvDoc := bsoncore.NewDocumentBuilder().
			AppendObjectID("processId", tv.ProcessID).
			AppendInt64("counter", tv.Counter).
			Build()
		b = b.AppendDocument("topologyVersion", tvDoc).
			AppendInt64("maxAwaitTimeMS", maxAwaitTimeMS)
	}

	b = b.AppendString("$db", "admin")
	return b.Build()
}

// parseHelloReply converts a hello reply document into a ServerDescription
// (spec.md §3 "ServerDescription", §4.2 "From the reply record...").
func parseHelloReply(addr address.Address, reply bsoncore.Document) description.Server {
	s := description.Server{
		Addr:           addr,
		LastUpdateTime: time.Now(),
	}

	isWritablePrimary := lookupBool(reply, "isWritablePrimary")
	if !isWritablePrimary {
		isWritablePrimary = lookupBool(reply, "ismaster")
	}
	secondary := lookupBool(reply, "secondary")
	arbiterOnly := lookupBool(reply, "arbiterOnly")
	msg, _ := lookupString(reply, "msg")

	s.SetName, _ = lookupString(reply, "setName")

	switch {
	case msg == "isdbgrid":
		s.Kind = description.Mongos
	case s.SetName != "":
		switch {
		case isWritablePrimary:
			s.Kind = description.RSPrimary
		case secondary:
			s.Kind = description.RSSecondary
		case arbiterOnly:
			s.Kind = description.RSArbiter
		default:
			s.Kind = description.RSOther
		}
	case isWritablePrimary:
		s.Kind = description.Standalone
	default:
		s.Kind = description.Unknown
	}

	s.MinWireVersion = lookupInt32(reply, "minWireVersion")
	s.MaxWireVersion = lookupInt32(reply, "maxWireVersion")
	s.MaxBsonObjectSize = lookupInt64(reply, "maxBsonObjectSize")
	s.MaxMessageSizeBytes = lookupInt64(reply, "maxMessageSizeBytes")
	s.MaxWriteBatchSize = lookupInt64(reply, "maxWriteBatchSize")

	if v, err := reply.LookupErr("setVersion"); err == nil {
		sv := lookupInt64Value(v)
		s.SetVersion = &sv
	}
	if v, err := reply.LookupErr("electionId"); err == nil {
		if oid, ok := v.ObjectIDOK(); ok {
			s.ElectionID = &oid
		}
	}

	s.Me, _ = lookupAddress(reply, "me")
	s.Hosts = lookupAddressArray(reply, "hosts")
	s.Passives = lookupAddressArray(reply, "passives")
	s.Arbiters = lookupAddressArray(reply, "arbiters")
	s.Primary, _ = lookupAddress(reply, "primary")
	s.Tags = lookupTags(reply, "tags")

	if v, err := reply.LookupErr("logicalSessionTimeoutMinutes"); err == nil {
		lst := lookupInt64Value(v)
		s.LogicalSessionTimeoutMinutes = &lst
	}

	s.HelloOK = lookupBool(reply, "helloOk")
	s.Compression = lookupStringArray(reply, "compression")

	if v, err := reply.LookupErr("topologyVersion"); err == nil {
		if doc, ok := v.DocumentOK(); ok {
			tv := &description.TopologyVersion{}
			if pidVal, err := doc.LookupErr("processId"); err == nil {
				if oid, ok := pidVal.ObjectIDOK(); ok {
					tv.ProcessID = oid
				}
			}
			tv.Counter = lookupInt64(doc, "counter")
			s.TopologyVersion = tv
		}
	}

	if v, err := reply.LookupErr("lastWrite"); err == nil {
		if doc, ok := v.DocumentOK(); ok {
			if dv, err := doc.LookupErr("lastWriteDate"); err == nil {
				if dt, ok := dv.TimeOK(); ok {
					s.LastWriteDate = dt
				}
			}
		}
	}

	return s
}

func lookupBool(doc bsoncore.Document, key string) bool {
	v, err := doc.LookupErr(key)
	if err != nil {
		return false
	}
	b, _ := v.BooleanOK()
	return b
}

func lookupString(doc bsoncore.Document, key string) (string, bool) {
	v, err := doc.LookupErr(key)
	if err != nil {
		return "", false
	}
	return v.StringValueOK()
}

func lookupAddress(doc bsoncore.Document, key string) (address.Address, bool) {
	s, ok := lookupString(doc, key)
	return address.Address(s), ok
}

func lookupInt32(doc bsoncore.Document, key string) int32 {
	v, err := doc.LookupErr(key)
	if err != nil {
		return 0
	}
	i, _ := v.Int32OK()
	return i
}

func lookupInt64(doc bsoncore.Document, key string) int64 {
	v, err := doc.LookupErr(key)
	if err != nil {
		return 0
	}
	return lookupInt64Value(v)
}

func lookupInt64Value(v bsoncore.Value) int64 {
	switch v.Type {
	case bsoncore.TypeInt64:
		i, _ := v.Int64OK()
		return i
	case bsoncore.TypeInt32:
		i, _ := v.Int32OK()
		return int64(i)
	default:
		return 0
	}
}

func lookupStringArray(doc bsoncore.Document, key string) []string {
	v, err := doc.LookupErr(key)
	if err != nil {
		return nil
	}
	arr, ok := v.ArrayOK()
	if !ok {
		return nil
	}
	values, err := arr.Values()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, val := range values {
		if s, ok := val.StringValueOK(); ok {
			out = append(out, s)
		}
	}
	return out
}

func lookupAddressArray(doc bsoncore.Document, key string) []address.Address {
	strs := lookupStringArray(doc, key)
	if strs == nil {
		return nil
	}
	out := make([]address.Address, len(strs))
	for i, s := range strs {
		out[i] = address.Address(s)
	}
	return out
}

func lookupTags(doc bsoncore.Document, key string) description.TagSet {
	v, err := doc.LookupErr(key)
	if err != nil {
		return nil
	}
	tagsDoc, ok := v.DocumentOK()
	if !ok {
		return nil
	}
	elems, err := tagsDoc.Elements()
	if err != nil {
		return nil
	}
	tags := make(description.TagSet, len(elems))
	for _, e := range elems {
		if s, ok := e.Value().StringValueOK(); ok {
			tags[e.Key()] = s
		}
	}
	return tags
}
