package vectorstore

import (
	"fmt"
	"strconv"
	"strings"
)

// Purpose 区分同一用户下的不同集合。
type Purpose string

const (
	PurposeDefault       Purpose = "default"
	PurposeConversations Purpose = "conversations"
)

// Collection 是一个集合的句柄。
type Collection struct {
	Name    string
	UserID  uint
	Purpose Purpose
}

// CollectionName 返回 user_{user_id}_{purpose}。
func CollectionName(userID uint, purpose Purpose) string {
	return fmt.Sprintf("user_%d_%s", userID, purpose)
}

// LegacyCollectionName 返回旧版按文档划分的集合名 doc_{user_id}_{doc_id}。
func LegacyCollectionName(userID, docID uint) string {
	return fmt.Sprintf("doc_%d_%d", userID, docID)
}

// UserCollectionPrefix 返回某个用户所有按用户划分集合的公共前缀。
func UserCollectionPrefix(userID uint) string {
	return "user_" + strconv.FormatUint(uint64(userID), 10) + "_"
}

// IsUserCollection 判断集合名是否属于该用户的按用户划分集合。
func IsUserCollection(name string, userID uint) bool {
	return strings.HasPrefix(name, UserCollectionPrefix(userID))
}
