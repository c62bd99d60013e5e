package service

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"ReelsFactory-server/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var MinioClient *minio.Client

// InitMinIO 初始化连接，在 main.go 中调用
func InitMinIO() {
	cfg := config.AppConfig.MinIO
	var err error
	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatalf("MinIO 初始化失败: %v", err)
	}
	log.Println("MinIO 连接成功")
}

func ensureBucket(ctx context.Context, bucketName string) error {
	exists, err := MinioClient.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("检查 Bucket 失败: %w", err)
	}
	if !exists {
		if err := MinioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("创建 Bucket 失败: %w", err)
		}
		log.Printf("Bucket '%s' 已创建", bucketName)
	}
	return nil
}

// contentTypeByExt 根据文件扩展名确定 ContentType
func contentTypeByExt(objectName string) string {
	switch filepath.Ext(objectName) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".srt":
		return "text/plain"
	}
	return "application/octet-stream"
}

// publicURL 配置了 Domain 时返回固定公网地址，否则生成 72h 预签名 URL
func publicURL(ctx context.Context, bucketName, objectName string) (string, error) {
	cfg := config.AppConfig.MinIO
	if cfg.Domain != "" {
		return strings.TrimRight(cfg.Domain, "/") + "/" + bucketName + "/" + objectName, nil
	}
	expiry := time.Hour * 72
	reqParams := make(url.Values)
	presignedURL, err := MinioClient.PresignedGetObject(ctx, bucketName, objectName, expiry, reqParams)
	if err != nil {
		return "", fmt.Errorf("生成签名 URL 失败: %w", err)
	}
	return presignedURL.String(), nil
}

// UploadToMinIO 通用上传函数，从 io.Reader 上传到 MinIO，返回可访问的 URL。
// size 为 -1 表示未知大小。
func UploadToMinIO(reader io.Reader, objectName string, size int64) (string, error) {
	ctx := context.Background()
	bucketName := config.AppConfig.MinIO.Bucket
	if err := ensureBucket(ctx, bucketName); err != nil {
		return "", err
	}

	_, err := MinioClient.PutObject(ctx, bucketName, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentTypeByExt(objectName),
	})
	if err != nil {
		return "", fmt.Errorf("上传到 MinIO 失败: %w", err)
	}

	log.Printf("文件已上传: %s", objectName)
	return publicURL(ctx, bucketName, objectName)
}

// UploadLocalFile 上传本地文件（成片合成用），返回可访问的 URL
func UploadLocalFile(localPath, objectName string) (string, error) {
	ctx := context.Background()
	bucketName := config.AppConfig.MinIO.Bucket
	if err := ensureBucket(ctx, bucketName); err != nil {
		return "", err
	}

	_, err := MinioClient.FPutObject(ctx, bucketName, objectName, localPath, minio.PutObjectOptions{
		ContentType: contentTypeByExt(objectName),
	})
	if err != nil {
		return "", fmt.Errorf("上传 MinIO 失败: %w", err)
	}
	return publicURL(ctx, bucketName, objectName)
}
